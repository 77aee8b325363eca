package models

import "time"

// StatusEntry one element of an alarm's status history
type StatusEntry struct {
	Status    Severity  `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Alarm record for one pin. At most one alarm per pin is open (Status != OK).
type Alarm struct {
	AlarmID        string        `json:"alarm_id" db:"alarm_id"`
	SiteID         string        `json:"site_id" db:"site_id"`
	DeviceID       string        `json:"device_id" db:"device_id"`
	PinNumber      int           `json:"pin_number" db:"pin_number"`
	Equipment      string        `json:"equipment" db:"equipment"`
	Description    string        `json:"description" db:"description"`
	Status         Severity      `json:"status" db:"status"`
	Timestamp      time.Time     `json:"timestamp" db:"timestamp"`
	StatusHistory  []StatusEntry `json:"status_history" db:"status_history"` // JSONB
	AcknowledgedBy *string       `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}

// Open reports whether the alarm is still active
func (a *Alarm) Open() bool {
	return a.Status != SeverityOK
}

// Key device identity of the alarm
func (a *Alarm) Key() DeviceKey {
	return DeviceKey{SiteID: a.SiteID, DeviceID: a.DeviceID}
}

// Clone deep-copies the alarm so stores never share history slices
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}
	c := *a
	c.StatusHistory = append([]StatusEntry(nil), a.StatusHistory...)
	if a.AcknowledgedBy != nil {
		by := *a.AcknowledgedBy
		c.AcknowledgedBy = &by
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		c.AcknowledgedAt = &at
	}
	return &c
}

// SiteStatus derived aggregate of a site
type SiteStatus struct {
	SiteID       string   `json:"site_id"`
	Status       Severity `json:"status"`
	ActiveAlarms int      `json:"active_alarms"` // non-OK equipment count
}
