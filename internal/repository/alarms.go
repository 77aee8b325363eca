package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitewatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlarmRepository postgres alarm store (iobox_alarms)
type AlarmRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmRepository creates the repository
func NewAlarmRepository(db *sql.DB, logger *zap.Logger) *AlarmRepository {
	return &AlarmRepository{
		db:     db,
		logger: logger,
	}
}

const alarmColumns = `
			alarm_id,
			site_id,
			device_id,
			pin_number,
			equipment,
			description,
			status,
			timestamp,
			status_history,
			acknowledged_by,
			acknowledged_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlarm(row rowScanner) (*models.Alarm, error) {
	var a models.Alarm
	var status string
	var history []byte
	var ackBy sql.NullString
	var ackAt sql.NullTime

	if err := row.Scan(
		&a.AlarmID,
		&a.SiteID,
		&a.DeviceID,
		&a.PinNumber,
		&a.Equipment,
		&a.Description,
		&status,
		&a.Timestamp,
		&history,
		&ackBy,
		&ackAt,
	); err != nil {
		return nil, err
	}

	sev, err := models.ParseSeverity(status)
	if err != nil {
		return nil, fmt.Errorf("alarm %s: %w", a.AlarmID, err)
	}
	a.Status = sev

	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.StatusHistory); err != nil {
			return nil, fmt.Errorf("alarm %s: failed to decode status_history: %w", a.AlarmID, err)
		}
	}
	if ackBy.Valid {
		a.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}
	return &a, nil
}

// GetOpenAlarm returns the non-OK alarm of a pin, or nil when there is none
func (r *AlarmRepository) GetOpenAlarm(ctx context.Context, siteID, deviceID string, pin int) (*models.Alarm, error) {
	query := `
		SELECT` + alarmColumns + `
		FROM iobox_alarms
		WHERE site_id = $1
		  AND device_id = $2
		  AND pin_number = $3
		  AND status <> 'OK'
		ORDER BY timestamp DESC
		LIMIT 1
	`

	a, err := scanAlarm(r.db.QueryRowContext(ctx, query, siteID, deviceID, pin))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open alarm: %w", err)
	}
	return a, nil
}

// UpsertAlarm inserts a new alarm (empty AlarmID) or updates an existing one,
// appending entry to status_history atomically in the database.
func (r *AlarmRepository) UpsertAlarm(ctx context.Context, alarm *models.Alarm, entry models.StatusEntry) (*models.Alarm, error) {
	if alarm == nil {
		return nil, fmt.Errorf("alarm is required")
	}
	entryJSON, err := json.Marshal([]models.StatusEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("failed to encode history entry: %w", err)
	}

	saved := alarm.Clone()
	if saved.AlarmID == "" {
		saved.AlarmID = uuid.New().String()
		saved.StatusHistory = []models.StatusEntry{entry}

		query := `
			INSERT INTO iobox_alarms (
				alarm_id,
				site_id,
				device_id,
				pin_number,
				equipment,
				description,
				status,
				timestamp,
				status_history
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := r.db.ExecContext(ctx, query,
			saved.AlarmID,
			saved.SiteID,
			saved.DeviceID,
			saved.PinNumber,
			saved.Equipment,
			saved.Description,
			saved.Status.String(),
			saved.Timestamp,
			string(entryJSON),
		); err != nil {
			return nil, fmt.Errorf("failed to insert alarm: %w", err)
		}
		return saved, nil
	}

	query := `
		UPDATE iobox_alarms
		SET status = $1,
		    timestamp = $2,
		    equipment = $3,
		    description = $4,
		    status_history = COALESCE(status_history, '[]'::jsonb) || $5::jsonb
		WHERE alarm_id = $6
		RETURNING status_history
	`
	var history []byte
	err = r.db.QueryRowContext(ctx, query,
		saved.Status.String(),
		saved.Timestamp,
		saved.Equipment,
		saved.Description,
		string(entryJSON),
		saved.AlarmID,
	).Scan(&history)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alarm %s: %w", saved.AlarmID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update alarm: %w", err)
	}
	if err := json.Unmarshal(history, &saved.StatusHistory); err != nil {
		return nil, fmt.Errorf("failed to decode status_history: %w", err)
	}
	return saved, nil
}

// ListOpenAlarmsBySite returns all non-OK alarms of a site
func (r *AlarmRepository) ListOpenAlarmsBySite(ctx context.Context, siteID string) ([]models.Alarm, error) {
	query := `
		SELECT` + alarmColumns + `
		FROM iobox_alarms
		WHERE site_id = $1
		  AND status <> 'OK'
		ORDER BY device_id, pin_number
	`

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alarms: %w", err)
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		alarms = append(alarms, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarms: %w", err)
	}
	return alarms, nil
}

// AcknowledgeAlarm records who acknowledged an alarm and when
func (r *AlarmRepository) AcknowledgeAlarm(ctx context.Context, alarmID, by string, at time.Time) (*models.Alarm, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}
	query := `
		UPDATE iobox_alarms
		SET acknowledged_by = $1,
		    acknowledged_at = $2
		WHERE alarm_id = $3
		RETURNING` + alarmColumns

	a, err := scanAlarm(r.db.QueryRowContext(ctx, query, by, at, alarmID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alarm %s: %w", alarmID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to acknowledge alarm: %w", err)
	}
	return a, nil
}
