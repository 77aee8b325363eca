package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sitewatch/internal/models"

	"github.com/google/uuid"
)

type memoryPinKey struct {
	siteID   string
	deviceID string
	pin      int
}

// DeviceStateRecord last persisted link state of a device
type DeviceStateRecord struct {
	State    models.ConnectionState
	LastSeen time.Time
}

// MemoryStore in-process alarm/status store for running without a database
// (STORE_BACKEND=memory) and for tests. It implements the same collaborator
// methods as the postgres repositories.
type MemoryStore struct {
	mu sync.RWMutex

	alarms    map[string]*models.Alarm               // alarmID -> alarm
	open      map[memoryPinKey]string                // pin -> open alarmID
	equipment map[string]map[string]models.Severity  // siteID -> equipment -> status
	sites     map[string]models.SiteStatus           // siteID -> aggregate
	devices   map[models.DeviceKey]DeviceStateRecord // device -> state
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alarms:    map[string]*models.Alarm{},
		open:      map[memoryPinKey]string{},
		equipment: map[string]map[string]models.Severity{},
		sites:     map[string]models.SiteStatus{},
		devices:   map[models.DeviceKey]DeviceStateRecord{},
	}
}

// GetOpenAlarm returns a copy of the open alarm of a pin, or nil
func (s *MemoryStore) GetOpenAlarm(_ context.Context, siteID, deviceID string, pin int) (*models.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.open[memoryPinKey{siteID, deviceID, pin}]
	if !ok {
		return nil, nil
	}
	return s.alarms[id].Clone(), nil
}

// UpsertAlarm creates or updates an alarm and appends entry to its history
func (s *MemoryStore) UpsertAlarm(_ context.Context, alarm *models.Alarm, entry models.StatusEntry) (*models.Alarm, error) {
	if alarm == nil {
		return nil, fmt.Errorf("alarm is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryPinKey{alarm.SiteID, alarm.DeviceID, alarm.PinNumber}
	var stored *models.Alarm
	if alarm.AlarmID == "" {
		if id, exists := s.open[k]; exists && alarm.Status != models.SeverityOK {
			return nil, fmt.Errorf("pin already has open alarm %s", id)
		}
		stored = alarm.Clone()
		stored.AlarmID = uuid.New().String()
		stored.StatusHistory = []models.StatusEntry{entry}
		s.alarms[stored.AlarmID] = stored
	} else {
		existing, ok := s.alarms[alarm.AlarmID]
		if !ok {
			return nil, fmt.Errorf("alarm %s: %w", alarm.AlarmID, ErrNotFound)
		}
		history := append(existing.StatusHistory, entry)
		stored = alarm.Clone()
		stored.StatusHistory = history
		s.alarms[stored.AlarmID] = stored
	}

	if stored.Open() {
		s.open[k] = stored.AlarmID
	} else if s.open[k] == stored.AlarmID {
		delete(s.open, k)
	}
	return stored.Clone(), nil
}

// ListOpenAlarmsBySite returns the open alarms of a site ordered by device and pin
func (s *MemoryStore) ListOpenAlarmsBySite(_ context.Context, siteID string) ([]models.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Alarm
	for k, id := range s.open {
		if k.siteID == siteID {
			out = append(out, *s.alarms[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].PinNumber < out[j].PinNumber
	})
	return out, nil
}

// AcknowledgeAlarm records the acknowledgement on an alarm
func (s *MemoryStore) AcknowledgeAlarm(_ context.Context, alarmID, by string, at time.Time) (*models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alarms[alarmID]
	if !ok {
		return nil, fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
	}
	a.AcknowledgedBy = &by
	a.AcknowledgedAt = &at
	return a.Clone(), nil
}

// SetEquipmentStatus stores the equipment status
func (s *MemoryStore) SetEquipmentStatus(_ context.Context, siteID, equipment string, status models.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equipment[siteID] == nil {
		s.equipment[siteID] = map[string]models.Severity{}
	}
	s.equipment[siteID][equipment] = status
	return nil
}

// SetSiteStatus stores the site aggregate
func (s *MemoryStore) SetSiteStatus(_ context.Context, siteID string, status models.Severity, activeAlarms int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[siteID] = models.SiteStatus{SiteID: siteID, Status: status, ActiveAlarms: activeAlarms}
	return nil
}

// SetDeviceConnectionState stores the link state
func (s *MemoryStore) SetDeviceConnectionState(_ context.Context, siteID, deviceID string, state models.ConnectionState, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := models.DeviceKey{SiteID: siteID, DeviceID: deviceID}
	rec := DeviceStateRecord{State: state, LastSeen: lastSeen}
	if lastSeen.IsZero() {
		rec.LastSeen = s.devices[k].LastSeen
	}
	s.devices[k] = rec
	return nil
}

// Alarms returns every alarm of a pin (open and resolved), oldest first
func (s *MemoryStore) Alarms(siteID, deviceID string, pin int) []models.Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Alarm
	for _, a := range s.alarms {
		if a.SiteID == siteID && a.DeviceID == deviceID && a.PinNumber == pin {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StatusHistory[0].Timestamp.Before(out[j].StatusHistory[0].Timestamp)
	})
	return out
}

// EquipmentStatus last written status of an equipment
func (s *MemoryStore) EquipmentStatus(siteID, equipment string) (models.Severity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.equipment[siteID][equipment]
	return st, ok
}

// SiteStatus last written aggregate of a site
func (s *MemoryStore) SiteStatus(siteID string) (models.SiteStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sites[siteID]
	return st, ok
}

// DeviceState last written link state of a device
func (s *MemoryStore) DeviceState(key models.DeviceKey) (DeviceStateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[key]
	return rec, ok
}
