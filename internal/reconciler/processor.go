package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitewatch/internal/models"

	"go.uber.org/zap"
)

// ErrNoOpenAlarm returned by Acknowledge when the pin has no open alarm
var ErrNoOpenAlarm = errors.New("no open alarm")

// Result counts of alarm mutations of one snapshot
type Result struct {
	Created  int
	Updated  int
	Resolved int
}

// Changed reports whether any alarm was touched
func (r Result) Changed() bool {
	return r.Created+r.Updated+r.Resolved > 0
}

// Processor converts pin snapshots into alarm mutations and recomputes
// equipment/site status. Snapshots of one device are applied under a
// per-device lock; the site aggregate is rebuilt from a full scan of open
// alarms under a per-site lock.
type Processor struct {
	pins   PinLookup
	alarms AlarmStore
	status StatusWriter
	events Emitter
	logger *zap.Logger
	now    func() time.Time

	deviceLocks *keyedMutex
	siteLocks   *keyedMutex
	aggregates  *aggregateCache
}

// NewProcessor creates a processor
func NewProcessor(
	pins PinLookup,
	alarms AlarmStore,
	status StatusWriter,
	events Emitter,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		pins:        pins,
		alarms:      alarms,
		status:      status,
		events:      events,
		logger:      logger,
		now:         time.Now,
		deviceLocks: newKeyedMutex(),
		siteLocks:   newKeyedMutex(),
		aggregates:  newAggregateCache(),
	}
}

// Process reconciles one snapshot. It is idempotent: re-applying the same
// snapshot after a failure only redoes the steps that did not complete.
func (p *Processor) Process(ctx context.Context, snap models.PinSnapshot) error {
	res, err := p.reconcilePins(ctx, snap)
	if err != nil {
		return err
	}
	if res.Changed() {
		p.logger.Debug("Pin snapshot reconciled",
			zap.String("site_id", snap.Key.SiteID),
			zap.String("device_id", snap.Key.DeviceID),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("resolved", res.Resolved),
		)
	}
	return p.RecomputeSite(ctx, snap.Key.SiteID)
}

func (p *Processor) reconcilePins(ctx context.Context, snap models.PinSnapshot) (Result, error) {
	unlock := p.deviceLocks.Lock(snap.Key.String())
	defer unlock()

	now := snap.ReceivedAt
	if now.IsZero() {
		now = p.now()
	}

	var res Result
	for i, state := range snap.Inputs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pin := i + 1
		cfg, ok := p.pins.Lookup(snap.Key.SiteID, snap.Key.DeviceID, pin)
		if !ok {
			continue
		}

		isAlarm := cfg.IsAlarm(state)
		target := models.SeverityOK
		if isAlarm {
			target = cfg.Severity
		}

		open, err := p.alarms.GetOpenAlarm(ctx, snap.Key.SiteID, snap.Key.DeviceID, pin)
		if err != nil {
			return res, fmt.Errorf("failed to get open alarm for pin %d: %w", pin, err)
		}

		switch {
		case isAlarm && open == nil:
			alarm := &models.Alarm{
				SiteID:      snap.Key.SiteID,
				DeviceID:    snap.Key.DeviceID,
				PinNumber:   pin,
				Equipment:   cfg.EquipmentName,
				Description: cfg.Description,
				Status:      target,
				Timestamp:   now,
			}
			saved, err := p.alarms.UpsertAlarm(ctx, alarm, models.StatusEntry{Status: target, Timestamp: now})
			if err != nil {
				return res, fmt.Errorf("failed to create alarm for pin %d: %w", pin, err)
			}
			res.Created++
			p.emitAlarm(models.EventAlarmCreated, saved, nil)

		case isAlarm && open.Status != target:
			prev := open.Status
			saved, err := p.transition(ctx, open, target, now)
			if err != nil {
				return res, fmt.Errorf("failed to update alarm for pin %d: %w", pin, err)
			}
			res.Updated++
			p.emitAlarm(models.EventAlarmUpdated, saved, &prev)

		case !isAlarm && open != nil:
			prev := open.Status
			saved, err := p.transition(ctx, open, models.SeverityOK, now)
			if err != nil {
				return res, fmt.Errorf("failed to resolve alarm for pin %d: %w", pin, err)
			}
			res.Resolved++
			p.emitAlarm(models.EventAlarmResolved, saved, &prev)
		}
	}
	return res, nil
}

// transition moves an open alarm to status and appends the history entry.
// The entry timestamp never goes backwards relative to the existing history.
func (p *Processor) transition(ctx context.Context, open *models.Alarm, status models.Severity, now time.Time) (*models.Alarm, error) {
	if n := len(open.StatusHistory); n > 0 && now.Before(open.StatusHistory[n-1].Timestamp) {
		now = open.StatusHistory[n-1].Timestamp
	}
	next := open.Clone()
	next.Status = status
	next.Timestamp = now
	// configuration may have renamed the equipment since the alarm opened
	if cfg, ok := p.pins.Lookup(open.SiteID, open.DeviceID, open.PinNumber); ok {
		next.Equipment = cfg.EquipmentName
		next.Description = cfg.Description
	}
	return p.alarms.UpsertAlarm(ctx, next, models.StatusEntry{Status: status, Timestamp: now})
}

// Acknowledge marks the open alarm of a pin as acknowledged by an operator
func (p *Processor) Acknowledge(ctx context.Context, key models.DeviceKey, pin int, by string) (*models.Alarm, error) {
	unlock := p.deviceLocks.Lock(key.String())
	defer unlock()

	open, err := p.alarms.GetOpenAlarm(ctx, key.SiteID, key.DeviceID, pin)
	if err != nil {
		return nil, fmt.Errorf("failed to get open alarm for pin %d: %w", pin, err)
	}
	if open == nil {
		return nil, fmt.Errorf("%w: %s pin %d", ErrNoOpenAlarm, key, pin)
	}

	saved, err := p.alarms.AcknowledgeAlarm(ctx, open.AlarmID, by, p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alarm %s: %w", open.AlarmID, err)
	}
	p.emitAlarm(models.EventAlarmAcknowledged, saved, nil)
	return saved, nil
}

func (p *Processor) emitAlarm(kind models.EventKind, alarm *models.Alarm, prev *models.Severity) {
	p.logger.Info("Alarm "+string(kind),
		zap.String("alarm_id", alarm.AlarmID),
		zap.String("site_id", alarm.SiteID),
		zap.String("device_id", alarm.DeviceID),
		zap.Int("pin", alarm.PinNumber),
		zap.String("equipment", alarm.Equipment),
		zap.Stringer("status", alarm.Status),
	)
	p.events.Emit(models.Event{
		Kind:           kind,
		SiteID:         alarm.SiteID,
		DeviceID:       alarm.DeviceID,
		Timestamp:      alarm.Timestamp,
		Alarm:          alarm.Clone(),
		PreviousStatus: prev,
	})
}
