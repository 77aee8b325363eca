package repository

import (
	"context"
	"database/sql"
	"fmt"

	"sitewatch/internal/models"
	"sitewatch/internal/protocol"

	"go.uber.org/zap"
)

// SiteConfigRepository reads devices and pin wiring from postgres
type SiteConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSiteConfigRepository creates the repository
func NewSiteConfigRepository(db *sql.DB, logger *zap.Logger) *SiteConfigRepository {
	return &SiteConfigRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevicesForAllSites returns every enabled I/O box. A missing port falls
// back to the address based port convention; rows that cannot be dialed are
// logged and skipped.
func (r *SiteConfigRepository) GetDevicesForAllSites(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT
			site_id,
			device_id,
			ip,
			port
		FROM iobox_devices
		WHERE enabled = TRUE
		ORDER BY site_id, device_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var port sql.NullInt64
		if err := rows.Scan(&d.SiteID, &d.DeviceID, &d.IP, &port); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}

		if port.Valid && port.Int64 > 0 {
			d.Port = int(port.Int64)
		} else {
			p, err := protocol.DefaultPort(d.IP)
			if err != nil {
				r.logger.Warn("Skipping device without usable port",
					zap.String("site_id", d.SiteID),
					zap.String("device_id", d.DeviceID),
					zap.Error(err),
				)
				continue
			}
			d.Port = p
		}

		if err := d.Validate(); err != nil {
			r.logger.Warn("Skipping invalid device", zap.Error(err))
			continue
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return devices, nil
}

// GetPinConfigs returns all configured pins. Validation happens when the
// lookup table is built.
func (r *SiteConfigRepository) GetPinConfigs(ctx context.Context) ([]models.PinConfig, error) {
	query := `
		SELECT
			site_id,
			device_id,
			pin_number,
			equipment_name,
			COALESCE(description, ''),
			severity,
			normally_open
		FROM iobox_pin_configs
		ORDER BY site_id, device_id, pin_number
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pin configs: %w", err)
	}
	defer rows.Close()

	var configs []models.PinConfig
	for rows.Next() {
		var c models.PinConfig
		var severity string
		if err := rows.Scan(
			&c.SiteID,
			&c.DeviceID,
			&c.PinNumber,
			&c.EquipmentName,
			&c.Description,
			&severity,
			&c.NormallyOpen,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pin config: %w", err)
		}
		sev, err := models.ParseSeverity(severity)
		if err != nil {
			r.logger.Warn("Skipping pin config with bad severity",
				zap.String("site_id", c.SiteID),
				zap.String("device_id", c.DeviceID),
				zap.Int("pin", c.PinNumber),
				zap.Error(err),
			)
			continue
		}
		c.Severity = sev
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pin configs: %w", err)
	}

	return configs, nil
}
