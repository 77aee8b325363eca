package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitewatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AlarmLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	open, err := s.GetOpenAlarm(ctx, "site-a", "io-1", 5)
	require.NoError(t, err)
	assert.Nil(t, open)

	created, err := s.UpsertAlarm(ctx, &models.Alarm{
		SiteID: "site-a", DeviceID: "io-1", PinNumber: 5,
		Equipment: "Rectifier", Status: models.SeverityCritical, Timestamp: t1,
	}, models.StatusEntry{Status: models.SeverityCritical, Timestamp: t1})
	require.NoError(t, err)
	require.NotEmpty(t, created.AlarmID)

	// second create for the same pin is rejected while the first is open
	_, err = s.UpsertAlarm(ctx, &models.Alarm{
		SiteID: "site-a", DeviceID: "io-1", PinNumber: 5, Status: models.SeverityMajor,
	}, models.StatusEntry{Status: models.SeverityMajor, Timestamp: t1})
	require.Error(t, err)

	list, err := s.ListOpenAlarmsBySite(ctx, "site-a")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	resolved := created.Clone()
	resolved.Status = models.SeverityOK
	resolved.Timestamp = t1.Add(time.Minute)
	saved, err := s.UpsertAlarm(ctx, resolved, models.StatusEntry{Status: models.SeverityOK, Timestamp: resolved.Timestamp})
	require.NoError(t, err)
	assert.Len(t, saved.StatusHistory, 2)

	open, err = s.GetOpenAlarm(ctx, "site-a", "io-1", 5)
	require.NoError(t, err)
	assert.Nil(t, open)
	assert.Len(t, s.Alarms("site-a", "io-1", 5), 1)
}

func TestMemoryStore_Acknowledge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.AcknowledgeAlarm(ctx, "missing", "noc", time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))

	a, err := s.UpsertAlarm(ctx, &models.Alarm{SiteID: "s", DeviceID: "d", PinNumber: 1, Status: models.SeverityWarning},
		models.StatusEntry{Status: models.SeverityWarning, Timestamp: time.Now()})
	require.NoError(t, err)

	acked, err := s.AcknowledgeAlarm(ctx, a.AlarmID, "noc", time.Now())
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "noc", *acked.AcknowledgedBy)
}

func TestMemoryStore_DeviceStateKeepsLastSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seen := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	key := models.DeviceKey{SiteID: "s", DeviceID: "d"}

	require.NoError(t, s.SetDeviceConnectionState(ctx, "s", "d", models.StateUp, seen))
	require.NoError(t, s.SetDeviceConnectionState(ctx, "s", "d", models.StateDown, time.Time{}))

	rec, ok := s.DeviceState(key)
	require.True(t, ok)
	assert.Equal(t, models.StateDown, rec.State)
	assert.True(t, rec.LastSeen.Equal(seen))
}

func TestFileConfigSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")
	doc := `{
		"devices": [{"site_id": "site-a", "device_id": "io-1", "ip": "10.0.1.23"}],
		"pins": [{"site_id": "site-a", "device_id": "io-1", "pin_number": 5,
		          "equipment_name": "Rectifier", "severity": "CRITICAL", "normally_open": true}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	src := NewFileConfigSource(path)

	devices, err := src.GetDevicesForAllSites(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 50123, devices[0].Port)

	pins, err := src.GetPinConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, models.SeverityCritical, pins[0].Severity)
	assert.True(t, pins[0].NormallyOpen)
}

func TestFileConfigSource_Missing(t *testing.T) {
	src := NewFileConfigSource(filepath.Join(t.TempDir(), "nope.json"))
	_, err := src.GetDevicesForAllSites(context.Background())
	assert.Error(t, err)
}

func TestFileConfigSource_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	doc := `
devices:
  - site_id: site-b
    device_id: io-7
    ip: 192.168.3.4
    port: 9100
pins:
  - site_id: site-b
    device_id: io-7
    pin_number: 2
    equipment_name: Battery
    description: Battery low
    severity: major
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	src := NewFileConfigSource(path)

	devices, err := src.GetDevicesForAllSites(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 9100, devices[0].Port)

	pins, err := src.GetPinConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, models.SeverityMajor, pins[0].Severity)
	assert.False(t, pins[0].NormallyOpen)
}

func TestFileConfigSource_BadSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pins":[{"site_id":"s","device_id":"d","pin_number":1,"severity":"LOUD"}]}`), 0o600))

	_, err := NewFileConfigSource(path).GetPinConfigs(context.Background())
	assert.Error(t, err)
}
