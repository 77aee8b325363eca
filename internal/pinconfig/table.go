package pinconfig

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"sitewatch/internal/models"

	"go.uber.org/zap"
)

// Normalize canonicalizes a site or device name: lower case with whitespace,
// '-' and '_' removed, so "Site-01", "site_01" and " SITE 01 " compare equal.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsSpace(r) || r == '-' || r == '_' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

type pinKey struct {
	site   string
	device string
	pin    int
}

// Table read-only pin configuration indexed by normalized (site, device, pin).
// Replace swaps the whole table; lookups never see a partial load.
type Table struct {
	mu        sync.RWMutex
	pins      map[pinKey]models.PinConfig
	equipment map[string][]string // normalized site -> sorted equipment names
	logger    *zap.Logger
}

// NewTable validates configs and builds the index. Invalid or duplicate rows
// are logged and skipped (first one wins).
func NewTable(configs []models.PinConfig, logger *zap.Logger) *Table {
	t := &Table{logger: logger}
	t.Replace(configs)
	return t
}

// Replace rebuilds the index from configs and returns the number of rows kept
func (t *Table) Replace(configs []models.PinConfig) int {
	pins := make(map[pinKey]models.PinConfig, len(configs))
	equipmentSet := make(map[string]map[string]struct{})

	for _, c := range configs {
		if err := c.Validate(); err != nil {
			t.logger.Warn("Skipping invalid pin config",
				zap.String("site_id", c.SiteID),
				zap.String("device_id", c.DeviceID),
				zap.Int("pin", c.PinNumber),
				zap.Error(err),
			)
			continue
		}
		k := pinKey{site: Normalize(c.SiteID), device: Normalize(c.DeviceID), pin: c.PinNumber}
		if prev, dup := pins[k]; dup {
			t.logger.Warn("Duplicate pin config, keeping first",
				zap.String("site_id", c.SiteID),
				zap.String("device_id", c.DeviceID),
				zap.Int("pin", c.PinNumber),
				zap.String("kept_equipment", prev.EquipmentName),
				zap.String("dropped_equipment", c.EquipmentName),
			)
			continue
		}
		pins[k] = c
		if equipmentSet[k.site] == nil {
			equipmentSet[k.site] = make(map[string]struct{})
		}
		equipmentSet[k.site][c.EquipmentName] = struct{}{}
	}

	equipment := make(map[string][]string, len(equipmentSet))
	for site, set := range equipmentSet {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		equipment[site] = names
	}

	t.mu.Lock()
	t.pins = pins
	t.equipment = equipment
	t.mu.Unlock()
	return len(pins)
}

// Lookup returns the config for a pin. A miss is normal: not every input is wired.
func (t *Table) Lookup(siteID, deviceID string, pin int) (models.PinConfig, bool) {
	k := pinKey{site: Normalize(siteID), device: Normalize(deviceID), pin: pin}
	t.mu.RLock()
	c, ok := t.pins[k]
	t.mu.RUnlock()
	return c, ok
}

// EquipmentForSite distinct equipment names configured at a site, sorted
func (t *Table) EquipmentForSite(siteID string) []string {
	t.mu.RLock()
	names := t.equipment[Normalize(siteID)]
	t.mu.RUnlock()
	return append([]string(nil), names...)
}

// Len number of configured pins
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pins)
}
