package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityOK < SeverityWarning)
	assert.True(t, SeverityWarning < SeverityMajor)
	assert.True(t, SeverityMajor < SeverityCritical)
	assert.Equal(t, SeverityCritical, Worst(SeverityMajor, SeverityCritical))
	assert.Equal(t, SeverityMajor, Worst(SeverityMajor, SeverityOK))
}

func TestSeverityJSON(t *testing.T) {
	b, err := json.Marshal(StatusEntry{Status: SeverityMajor})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"MAJOR"`)

	var s Severity
	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &s))
	assert.Equal(t, SeverityCritical, s)
	assert.Error(t, json.Unmarshal([]byte(`"SEVERE"`), &s))
}

func TestPinConfig_IsAlarm(t *testing.T) {
	no := PinConfig{NormallyOpen: true}
	assert.True(t, no.IsAlarm(true))
	assert.False(t, no.IsAlarm(false))

	nc := PinConfig{NormallyOpen: false}
	assert.False(t, nc.IsAlarm(true))
	assert.True(t, nc.IsAlarm(false))
}

func TestPinConfig_Validate(t *testing.T) {
	ok := PinConfig{SiteID: "s", DeviceID: "d", PinNumber: 5, EquipmentName: "Rectifier", Severity: SeverityCritical}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.PinNumber = 13
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Severity = SeverityOK
	assert.Error(t, bad.Validate())

	bad = ok
	bad.EquipmentName = ""
	assert.Error(t, bad.Validate())
}

func TestDevice_Validate(t *testing.T) {
	d := Device{SiteID: "s", DeviceID: "d", IP: "10.1.2.3", Port: 50203}
	assert.NoError(t, d.Validate())
	assert.Equal(t, "10.1.2.3:50203", d.Addr())

	d.IP = "not-an-ip"
	assert.Error(t, d.Validate())
}

func TestAlarm_CloneIsDeep(t *testing.T) {
	by := "ops"
	a := &Alarm{StatusHistory: []StatusEntry{{Status: SeverityMajor}}, AcknowledgedBy: &by}
	c := a.Clone()
	c.StatusHistory[0].Status = SeverityOK
	*c.AcknowledgedBy = "other"
	assert.Equal(t, SeverityMajor, a.StatusHistory[0].Status)
	assert.Equal(t, "ops", *a.AcknowledgedBy)
}
