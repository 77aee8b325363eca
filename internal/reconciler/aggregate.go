package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sitewatch/internal/models"

	"go.uber.org/zap"
)

// EquipmentStatuses worst open-alarm severity per equipment name. Every name
// in configured starts at OK so cleared equipment is reported as OK.
func EquipmentStatuses(configured []string, open []models.Alarm) map[string]models.Severity {
	out := make(map[string]models.Severity, len(configured))
	for _, name := range configured {
		out[name] = models.SeverityOK
	}
	for _, a := range open {
		if !a.Open() {
			continue
		}
		out[a.Equipment] = models.Worst(out[a.Equipment], a.Status)
	}
	return out
}

// SiteAggregate worst equipment status and the number of non-OK equipment
func SiteAggregate(siteID string, equipment map[string]models.Severity) models.SiteStatus {
	s := models.SiteStatus{SiteID: siteID, Status: models.SeverityOK}
	for _, st := range equipment {
		s.Status = models.Worst(s.Status, st)
		if st != models.SeverityOK {
			s.ActiveAlarms++
		}
	}
	return s
}

// aggregateCache last status written per site, so unchanged values are not rewritten
type aggregateCache struct {
	mu        sync.Mutex
	equipment map[string]map[string]models.Severity
	sites     map[string]models.SiteStatus
}

func newAggregateCache() *aggregateCache {
	return &aggregateCache{
		equipment: make(map[string]map[string]models.Severity),
		sites:     make(map[string]models.SiteStatus),
	}
}

func (c *aggregateCache) equipmentFor(siteID string) map[string]models.Severity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.Severity, len(c.equipment[siteID]))
	for k, v := range c.equipment[siteID] {
		out[k] = v
	}
	return out
}

func (c *aggregateCache) setEquipment(siteID, name string, st models.Severity, keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.equipment[siteID] == nil {
		c.equipment[siteID] = make(map[string]models.Severity)
	}
	if keep {
		c.equipment[siteID][name] = st
	} else {
		delete(c.equipment[siteID], name)
	}
}

func (c *aggregateCache) site(siteID string) (models.SiteStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sites[siteID]
	return s, ok
}

func (c *aggregateCache) setSite(s models.SiteStatus) {
	c.mu.Lock()
	c.sites[s.SiteID] = s
	c.mu.Unlock()
}

// RecomputeSite rebuilds equipment and site status from the site's open
// alarms and writes the values that changed since the last successful write.
func (p *Processor) RecomputeSite(ctx context.Context, siteID string) error {
	unlock := p.siteLocks.Lock(siteID)
	defer unlock()

	open, err := p.alarms.ListOpenAlarmsBySite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to list open alarms for site %s: %w", siteID, err)
	}

	configured := p.pins.EquipmentForSite(siteID)
	equipment := EquipmentStatuses(configured, open)

	previous := p.aggregates.equipmentFor(siteID)
	configuredSet := make(map[string]bool, len(configured))
	for _, name := range configured {
		configuredSet[name] = true
	}
	// equipment that vanished from both config and alarms is reported OK once more
	for name := range previous {
		if _, ok := equipment[name]; !ok {
			equipment[name] = models.SeverityOK
		}
	}

	names := make([]string, 0, len(equipment))
	for name := range equipment {
		names = append(names, name)
	}
	sort.Strings(names)

	now := p.now()
	for _, name := range names {
		st := equipment[name]
		prev, known := previous[name]
		keep := configuredSet[name] || st != models.SeverityOK
		if known && prev == st {
			if !keep {
				p.aggregates.setEquipment(siteID, name, st, false)
			}
			continue
		}
		if err := p.status.SetEquipmentStatus(ctx, siteID, name, st); err != nil {
			return fmt.Errorf("failed to set equipment status %s/%s: %w", siteID, name, err)
		}
		p.aggregates.setEquipment(siteID, name, st, keep)

		status := st
		p.logger.Info("Equipment status changed",
			zap.String("site_id", siteID),
			zap.String("equipment", name),
			zap.Stringer("status", st),
		)
		p.events.Emit(models.Event{
			Kind:      models.EventEquipmentStatusChanged,
			SiteID:    siteID,
			Timestamp: now,
			Equipment: name,
			Status:    &status,
		})
	}

	site := SiteAggregate(siteID, equipment)
	if prev, ok := p.aggregates.site(siteID); ok && prev == site {
		return nil
	}
	if err := p.status.SetSiteStatus(ctx, siteID, site.Status, site.ActiveAlarms); err != nil {
		return fmt.Errorf("failed to set site status %s: %w", siteID, err)
	}
	p.aggregates.setSite(site)

	status, active := site.Status, site.ActiveAlarms
	p.logger.Info("Site status changed",
		zap.String("site_id", siteID),
		zap.Stringer("status", site.Status),
		zap.Int("active_alarms", site.ActiveAlarms),
	)
	p.events.Emit(models.Event{
		Kind:         models.EventSiteStatusChanged,
		SiteID:       siteID,
		Timestamp:    now,
		Status:       &status,
		ActiveAlarms: &active,
	})
	return nil
}
