package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"sitewatch/internal/protocol"
	"sitewatch/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseHex_Separators(t *testing.T) {
	data, err := parseHex("0xF0 f0:00\n01\t")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0, 0xF0, 0x00, 0x01}, data)

	_, err = parseHex("f0f")
	assert.Error(t, err)
}

func TestDecodeStream_FramesAndNoise(t *testing.T) {
	data1 := make([]byte, 32)
	data1[0] = 1
	data1[4] = 1
	frame := protocol.Encode(protocol.CmdAutoReport, data1, nil)

	bad := protocol.Encode(protocol.CmdReadDigitalIO, nil, nil)
	bad[70] ^= 0xFF

	var stream []byte
	stream = append(stream, 0x00, 0x11)
	stream = append(stream, frame...)
	stream = append(stream, bad...)
	stream = append(stream, protocol.Encode(0x0020, nil, nil)...)

	var out bytes.Buffer
	stats, err := decodeStream(stream, &out)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(2), stats.SkippedBytes)
	assert.Equal(t, uint64(1), stats.ChecksumRejects)

	text := out.String()
	assert.Contains(t, text, "frame 1: command=0x0010")
	assert.Contains(t, text, "inputs:  1=C 2=O 3=O 4=O 5=C")
	assert.Contains(t, text, "frame 2: command=0x0020")
	assert.Contains(t, text, "(no pin states)")
	assert.Contains(t, text, "frames=2 skipped_bytes=2 checksum_rejects=1 buffered=0")
}

func TestDecodeCommand_HexArgument(t *testing.T) {
	frame := protocol.NewReadRequest()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"decode", strings.ToUpper(hex.EncodeToString(frame))})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "frame 1: command=0x0001")
}

func TestCheckConfig_FileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - site_id: site-1
    device_id: box-1
    ip: 10.0.0.11
  - site_id: site-2
    device_id: box-1
    ip: 10.0.0.21
    port: 5001
pins:
  - site_id: site-1
    device_id: box-1
    pin_number: 1
    equipment_name: Door
    severity: WARNING
  - site_id: site-1
    device_id: box-1
    pin_number: 5
    equipment_name: Rectifier
    severity: CRITICAL
`), 0o600))

	var out bytes.Buffer
	err := checkConfig(context.Background(), repository.NewFileConfigSource(path), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "device site-2/box-1 10.0.0.21:5001")
	assert.Contains(t, out.String(), "sites=2 devices=2 pin_configs=2 distinct_pins=2")
}

type fakeService struct {
	err     error
	stopped bool
}

func (f *fakeService) Stop() error {
	f.stopped = true
	return f.err
}

func TestWaitAndStop_ReportsStopError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM
	svc := &fakeService{err: errors.New("close db: connection reset")}

	err := waitAndStop(sig, svc, zap.New(core))
	require.Error(t, err)
	assert.True(t, svc.stopped)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, logs.FilterMessage("Failed to stop iobox service cleanly").Len())
	assert.Zero(t, logs.FilterMessage("IOBox service stopped").Len())
}

func TestWaitAndStop_CleanStop(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGINT
	svc := &fakeService{}

	require.NoError(t, waitAndStop(sig, svc, zap.New(core)))
	assert.True(t, svc.stopped)
	assert.Equal(t, 1, logs.FilterMessage("IOBox service stopped").Len())
}
