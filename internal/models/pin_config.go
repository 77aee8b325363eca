package models

import "fmt"

// MaxInputPins number of digital inputs on an I/O box
const MaxInputPins = 12

// MaxOutputPins number of digital outputs on an I/O box
const MaxOutputPins = 6

// PinConfig maps one input pin to monitored equipment
type PinConfig struct {
	SiteID        string   `json:"site_id"`
	DeviceID      string   `json:"device_id"`
	PinNumber     int      `json:"pin_number"`
	EquipmentName string   `json:"equipment_name"`
	Description   string   `json:"description"`
	Severity      Severity `json:"severity"`
	// NormallyOpen: alarm when the contact reads closed (1). Otherwise alarm on 0.
	NormallyOpen bool `json:"normally_open"`
}

// Validate checks a config row at load time
func (c PinConfig) Validate() error {
	if c.SiteID == "" || c.DeviceID == "" {
		return fmt.Errorf("pin config requires site_id and device_id")
	}
	if c.PinNumber < 1 || c.PinNumber > MaxInputPins {
		return fmt.Errorf("pin %d out of range 1..%d", c.PinNumber, MaxInputPins)
	}
	if c.EquipmentName == "" {
		return fmt.Errorf("pin %d: equipment name is required", c.PinNumber)
	}
	if c.Severity < SeverityWarning || c.Severity > SeverityCritical {
		return fmt.Errorf("pin %d: severity must be WARNING, MAJOR or CRITICAL, got %s", c.PinNumber, c.Severity)
	}
	return nil
}

// IsAlarm applies the pin polarity to a raw state
func (c PinConfig) IsAlarm(state bool) bool {
	if c.NormallyOpen {
		return state
	}
	return !state
}
