package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"sitewatch/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_LinkState(t *testing.T) {
	m := New()
	key := models.DeviceKey{SiteID: "site-1", DeviceID: "box-1"}

	m.LinkState(key, models.StateConnecting)
	m.LinkState(key, models.StateUp)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.linkState.WithLabelValues("site-1", "box-1", "UP")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.linkState.WithLabelValues("site-1", "box-1", "CONNECTING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linkTransitions.WithLabelValues("UP")))

	m.ForgetDevice(key)
	assert.Equal(t, 0, testutil.CollectAndCount(m.linkState))
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.SnapshotReconciled()
	m.SnapshotReconciled()
	m.ReconcileRetry()
	m.SnapshotDropped()
	m.DispatchQueueFull()
	m.EventDropped()
	m.DeliveryFailed("kafka")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.snapshotsReconciled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueFull))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures.WithLabelValues("kafka")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LinkState(models.DeviceKey{SiteID: "s", DeviceID: "d"}, models.StateDown)
		m.ForgetDevice(models.DeviceKey{SiteID: "s", DeviceID: "d"})
		m.SnapshotReconciled()
		m.ReconcileRetry()
		m.SnapshotDropped()
		m.DispatchQueueFull()
		m.EventDropped()
		m.DeliveryFailed("log")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.EventDropped()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sitewatch_events_dropped_total 1")
}
