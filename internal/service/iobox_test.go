package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitewatch/internal/cache"
	"sitewatch/internal/config"
	"sitewatch/internal/models"
	"sitewatch/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startIOBox accepts sessions and answers every read request with the given
// closed inputs
func startIOBox(t *testing.T, closedPins ...int) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				data1 := make([]byte, protocol.DataBlockSize)
				for _, p := range closedPins {
					data1[p-1] = 1
				}
				reply := protocol.Encode(protocol.CmdReadDigitalIO, data1, nil)
				req := make([]byte, protocol.FrameSize)
				for {
					if _, err := io.ReadFull(c, req); err != nil {
						return
					}
					if _, err := c.Write(reply); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, redisAddr, configFile string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.Backend = config.StoreBackendMemory
	cfg.Store.ConfigFile = configFile
	cfg.Redis.Addr = redisAddr
	cfg.IOBox.ReconnectInterval = 20 * time.Millisecond
	cfg.IOBox.MaxReconnectAttempts = 2
	cfg.IOBox.UnreachableBackoffFactor = 2
	cfg.IOBox.DialTimeout = time.Second
	cfg.IOBox.HealthCheckInterval = time.Hour
	cfg.IOBox.IdleTimeout = 2 * time.Hour
	cfg.IOBox.DispatchQueueSize = 8
	cfg.IOBox.ReconcileRetryBase = 5 * time.Millisecond
	cfg.IOBox.ReconcileRetryMax = 20 * time.Millisecond
	cfg.IOBox.ReconcileMaxRetries = 3
	cfg.IOBox.ReconcileTimeout = time.Second
	cfg.IOBox.StateRefreshInterval = 30 * time.Second
	cfg.Cache.Enabled = true
	cfg.Cache.StatePrefix = "iobox:state:"
	cfg.Cache.StateTTL = time.Minute
	cfg.Events.QueueSize = 100
	cfg.Events.Stream = "sitewatch:events"
	cfg.Events.StreamMaxLen = 1000
	return cfg
}

func writeSiteFile(t *testing.T, port int) string {
	t.Helper()
	doc := map[string]interface{}{
		"devices": []map[string]interface{}{
			{"site_id": "site-a", "device_id": "io-1", "ip": "127.0.0.1", "port": port},
		},
		"pins": []map[string]interface{}{
			{"site_id": "site-a", "device_id": "io-1", "pin_number": 5, "equipment_name": "Rectifier",
				"description": "Rectifier fail", "severity": "CRITICAL", "normally_open": true},
			{"site_id": "site-a", "device_id": "io-1", "pin_number": 1, "equipment_name": "Door",
				"description": "Door open", "severity": "WARNING", "normally_open": true},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sites.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestIOBoxService_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	port := startIOBox(t, 5)
	cfg := testConfig(t, mr.Addr(), writeSiteFile(t, port))

	svc, err := NewIOBoxService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		st, ok := svc.memory.SiteStatus("site-a")
		return ok && st.Status == models.SeverityCritical
	}, 3*time.Second, 10*time.Millisecond)

	alarms := svc.memory.Alarms("site-a", "io-1", 5)
	require.Len(t, alarms, 1)
	assert.Equal(t, "Rectifier", alarms[0].Equipment)

	door, ok := svc.memory.EquipmentStatus("site-a", "Door")
	require.True(t, ok)
	assert.Equal(t, models.SeverityOK, door)

	statuses := svc.DeviceStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, models.StateUp, statuses[0].State)

	acked, err := svc.Acknowledge(context.Background(), models.DeviceKey{SiteID: "site-a", DeviceID: "io-1"}, 5, "noc")
	require.NoError(t, err)
	assert.Equal(t, "noc", *acked.AcknowledgedBy)

	rec := httptest.NewRecorder()
	svc.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `sitewatch_iobox_link_state{device_id="io-1",site_id="site-a",state="UP"} 1`)

	require.NoError(t, svc.Stop())

	// events were flushed to the stream and the state cache was written
	assert.Eventually(t, func() bool {
		return mr.Exists("iobox:state:site-a:io-1")
	}, time.Second, 10*time.Millisecond)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	entries, err := client.XRange(context.Background(), "sitewatch:events", "-", "+").Result()
	require.NoError(t, err)
	kinds := map[string]bool{}
	for _, entry := range entries {
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(entry.Values["data"].(string)), &ev))
		kinds[string(ev.Kind)] = true
	}
	for _, want := range []models.EventKind{
		models.EventDeviceConnected,
		models.EventAlarmCreated,
		models.EventSiteStatusChanged,
		models.EventAlarmAcknowledged,
	} {
		assert.True(t, kinds[string(want)], fmt.Sprintf("missing %s event", want))
	}
}

func TestIOBoxService_StartsWithoutConfig(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1", filepath.Join(t.TempDir(), "missing.json"))
	cfg.Metrics.Addr = "127.0.0.1:0"

	svc, err := NewIOBoxService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	assert.Empty(t, svc.DeviceStatuses())
	assert.Nil(t, svc.redisClient)
	require.NoError(t, svc.Stop())
}

func TestIOBoxService_StateCacheOutlivesTTLWhileUp(t *testing.T) {
	mr := miniredis.RunT(t)
	port := startIOBox(t, 5)
	cfg := testConfig(t, mr.Addr(), writeSiteFile(t, port))
	cfg.Cache.StateTTL = time.Second
	cfg.IOBox.StateRefreshInterval = 20 * time.Millisecond
	cfg.IOBox.HealthCheckInterval = 20 * time.Millisecond
	cfg.IOBox.IdleTimeout = time.Minute

	svc, err := NewIOBoxService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	const key = "iobox:state:site-a:io-1"
	var first *cache.DeviceState
	require.Eventually(t, func() bool {
		st, err := svc.stateCache.GetDeviceState(context.Background(), "site-a", "io-1")
		if err != nil || st.State != models.StateUp || st.LastSeen == nil {
			return false
		}
		first = st
		return true
	}, 3*time.Second, 10*time.Millisecond)

	// each step ages the entry past half its TTL; only the refresh keeps it
	for i := 0; i < 10; i++ {
		time.Sleep(100 * time.Millisecond)
		mr.FastForward(600 * time.Millisecond)
		require.True(t, mr.Exists(key), "state entry expired after step %d", i)
	}

	last, err := svc.stateCache.GetDeviceState(context.Background(), "site-a", "io-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateUp, last.State)
	require.NotNil(t, last.LastSeen)
	assert.True(t, last.LastSeen.After(*first.LastSeen))
}
