package repository

import (
	"context"
	"errors"

	"sitewatch/internal/models"
)

// ErrNotFound row does not exist
var ErrNotFound = errors.New("not found")

// ConfigSource configuration collaborator: devices and pin wiring of all sites
type ConfigSource interface {
	GetDevicesForAllSites(ctx context.Context) ([]models.Device, error)
	GetPinConfigs(ctx context.Context) ([]models.PinConfig, error)
}
