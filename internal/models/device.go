package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DeviceKey identifies a device within a site
type DeviceKey struct {
	SiteID   string `json:"site_id"`
	DeviceID string `json:"device_id"`
}

func (k DeviceKey) String() string {
	return k.SiteID + "/" + k.DeviceID
}

// Device one configured I/O box
type Device struct {
	SiteID   string `json:"site_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

// Key returns the site/device identity
func (d Device) Key() DeviceKey {
	return DeviceKey{SiteID: d.SiteID, DeviceID: d.DeviceID}
}

// Addr returns host:port for dialing
func (d Device) Addr() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// Validate checks the fields needed to open a link
func (d Device) Validate() error {
	if d.SiteID == "" || d.DeviceID == "" {
		return fmt.Errorf("device requires site_id and device_id")
	}
	if net.ParseIP(d.IP) == nil {
		return fmt.Errorf("device %s: invalid ip %q", d.Key(), d.IP)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("device %s: invalid port %d", d.Key(), d.Port)
	}
	return nil
}

// ConnectionState of a device link
type ConnectionState string

const (
	StateConnecting  ConnectionState = "CONNECTING"
	StateUp          ConnectionState = "UP"
	StateDown        ConnectionState = "DOWN"
	StateUnreachable ConnectionState = "UNREACHABLE"
)

// DeviceStatus externally reported view of a link
type DeviceStatus struct {
	Device            Device          `json:"device"`
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastSeen          time.Time       `json:"last_seen"`
}

// PinSnapshot decoded pin states of one valid frame. Inputs[i] is pin i+1.
type PinSnapshot struct {
	Key        DeviceKey `json:"key"`
	Inputs     []bool    `json:"inputs"`
	Outputs    []bool    `json:"outputs"`
	ReceivedAt time.Time `json:"received_at"`
}
