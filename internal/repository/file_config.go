package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sitewatch/internal/models"
	"sitewatch/internal/protocol"

	"gopkg.in/yaml.v3"
)

// FileConfigSource reads devices and pin wiring from a JSON or YAML document
// (chosen by extension):
//
//	devices:
//	  - {site_id: site-a, device_id: io-1, ip: 10.0.1.23}   # port optional
//	pins:
//	  - {site_id: site-a, device_id: io-1, pin_number: 5, equipment_name: Rectifier,
//	     severity: CRITICAL, normally_open: true}
//
// The file is re-read on every call so configuration refreshes pick up edits.
type FileConfigSource struct {
	path string
}

// NewFileConfigSource creates a source for path
func NewFileConfigSource(path string) *FileConfigSource {
	return &FileConfigSource{path: path}
}

type fileDevice struct {
	SiteID   string `json:"site_id" yaml:"site_id"`
	DeviceID string `json:"device_id" yaml:"device_id"`
	IP       string `json:"ip" yaml:"ip"`
	Port     int    `json:"port" yaml:"port"`
}

type filePin struct {
	SiteID        string `json:"site_id" yaml:"site_id"`
	DeviceID      string `json:"device_id" yaml:"device_id"`
	PinNumber     int    `json:"pin_number" yaml:"pin_number"`
	EquipmentName string `json:"equipment_name" yaml:"equipment_name"`
	Description   string `json:"description" yaml:"description"`
	Severity      string `json:"severity" yaml:"severity"`
	NormallyOpen  bool   `json:"normally_open" yaml:"normally_open"`
}

type fileConfig struct {
	Devices []fileDevice `json:"devices" yaml:"devices"`
	Pins    []filePin    `json:"pins" yaml:"pins"`
}

func (s *FileConfigSource) load() (*fileConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("unable to read site config: %w", err)
	}

	var cfg fileConfig
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid site config %s: %w", s.path, err)
	}
	return &cfg, nil
}

// GetDevicesForAllSites returns the configured devices, filling in default ports
func (s *FileConfigSource) GetDevicesForAllSites(_ context.Context) ([]models.Device, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	devices := make([]models.Device, 0, len(cfg.Devices))
	for _, fd := range cfg.Devices {
		d := models.Device{SiteID: fd.SiteID, DeviceID: fd.DeviceID, IP: fd.IP, Port: fd.Port}
		if d.Port == 0 {
			p, err := protocol.DefaultPort(d.IP)
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", d.Key(), err)
			}
			d.Port = p
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// GetPinConfigs returns the configured pins
func (s *FileConfigSource) GetPinConfigs(_ context.Context) ([]models.PinConfig, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	pins := make([]models.PinConfig, 0, len(cfg.Pins))
	for _, fp := range cfg.Pins {
		sev, err := models.ParseSeverity(fp.Severity)
		if err != nil {
			return nil, fmt.Errorf("pin %s/%s/%d: %w", fp.SiteID, fp.DeviceID, fp.PinNumber, err)
		}
		pins = append(pins, models.PinConfig{
			SiteID:        fp.SiteID,
			DeviceID:      fp.DeviceID,
			PinNumber:     fp.PinNumber,
			EquipmentName: fp.EquipmentName,
			Description:   fp.Description,
			Severity:      sev,
			NormallyOpen:  fp.NormallyOpen,
		})
	}
	return pins, nil
}
