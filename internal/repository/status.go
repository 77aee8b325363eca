package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sitewatch/internal/models"

	"go.uber.org/zap"
)

// StatusRepository persists derived device, equipment and site status
type StatusRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStatusRepository creates the repository
func NewStatusRepository(db *sql.DB, logger *zap.Logger) *StatusRepository {
	return &StatusRepository{
		db:     db,
		logger: logger,
	}
}

// SetDeviceConnectionState upserts the link state of a device
func (r *StatusRepository) SetDeviceConnectionState(ctx context.Context, siteID, deviceID string, state models.ConnectionState, lastSeen time.Time) error {
	query := `
		INSERT INTO iobox_device_status (site_id, device_id, state, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (site_id, device_id) DO UPDATE
		SET state = EXCLUDED.state,
		    last_seen = COALESCE(EXCLUDED.last_seen, iobox_device_status.last_seen),
		    updated_at = NOW()
	`

	var seen sql.NullTime
	if !lastSeen.IsZero() {
		seen = sql.NullTime{Time: lastSeen, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, query, siteID, deviceID, string(state), seen); err != nil {
		return fmt.Errorf("failed to set device state: %w", err)
	}
	return nil
}

// SetEquipmentStatus upserts the derived status of one equipment
func (r *StatusRepository) SetEquipmentStatus(ctx context.Context, siteID, equipment string, status models.Severity) error {
	query := `
		INSERT INTO site_equipment_status (site_id, equipment_name, status, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (site_id, equipment_name) DO UPDATE
		SET status = EXCLUDED.status,
		    updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, siteID, equipment, status.String()); err != nil {
		return fmt.Errorf("failed to set equipment status: %w", err)
	}
	return nil
}

// SetSiteStatus upserts the derived site aggregate
func (r *StatusRepository) SetSiteStatus(ctx context.Context, siteID string, status models.Severity, activeAlarms int) error {
	query := `
		INSERT INTO site_status (site_id, status, active_alarms, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (site_id) DO UPDATE
		SET status = EXCLUDED.status,
		    active_alarms = EXCLUDED.active_alarms,
		    updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, siteID, status.String(), activeAlarms); err != nil {
		return fmt.Errorf("failed to set site status: %w", err)
	}
	return nil
}
