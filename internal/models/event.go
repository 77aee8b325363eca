package models

import "time"

// EventKind notification kinds emitted to external fan-out
type EventKind string

const (
	EventAlarmCreated           EventKind = "alarmCreated"
	EventAlarmUpdated           EventKind = "alarmUpdated"
	EventAlarmResolved          EventKind = "alarmResolved"
	EventAlarmAcknowledged      EventKind = "alarmAcknowledged"
	EventDeviceConnected        EventKind = "deviceConnected"
	EventDeviceDisconnected     EventKind = "deviceDisconnected"
	EventDeviceUnreachable      EventKind = "deviceUnreachable"
	EventEquipmentStatusChanged EventKind = "equipmentStatusChanged"
	EventSiteStatusChanged      EventKind = "siteStatusChanged"
)

// Event payload handed to the notifier. Fields not relevant to Kind are zero.
type Event struct {
	Kind      EventKind `json:"kind"`
	SiteID    string    `json:"site_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Alarm          *Alarm    `json:"alarm,omitempty"`
	PreviousStatus *Severity `json:"previous_status,omitempty"`

	Equipment    string    `json:"equipment,omitempty"`
	Status       *Severity `json:"status,omitempty"`
	ActiveAlarms *int      `json:"active_alarms,omitempty"`

	State    ConnectionState `json:"state,omitempty"`
	LastSeen *time.Time      `json:"last_seen,omitempty"`
}
