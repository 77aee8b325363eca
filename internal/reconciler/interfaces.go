package reconciler

import (
	"context"
	"time"

	"sitewatch/internal/models"
)

// PinLookup read-only pin configuration
type PinLookup interface {
	Lookup(siteID, deviceID string, pin int) (models.PinConfig, bool)
	EquipmentForSite(siteID string) []string
}

// AlarmStore persistence of alarm records
type AlarmStore interface {
	// GetOpenAlarm returns the alarm with status != OK for the pin, or nil
	GetOpenAlarm(ctx context.Context, siteID, deviceID string, pin int) (*models.Alarm, error)
	// UpsertAlarm creates the alarm when AlarmID is empty, otherwise updates
	// status/timestamp; entry is appended to the history in both cases.
	UpsertAlarm(ctx context.Context, alarm *models.Alarm, entry models.StatusEntry) (*models.Alarm, error)
	ListOpenAlarmsBySite(ctx context.Context, siteID string) ([]models.Alarm, error)
	AcknowledgeAlarm(ctx context.Context, alarmID, by string, at time.Time) (*models.Alarm, error)
}

// StatusWriter persistence of derived equipment and site status
type StatusWriter interface {
	SetEquipmentStatus(ctx context.Context, siteID, equipment string, status models.Severity) error
	SetSiteStatus(ctx context.Context, siteID string, status models.Severity, activeAlarms int) error
}

// Emitter fire-and-forget notification sink; must not block
type Emitter interface {
	Emit(event models.Event)
}
