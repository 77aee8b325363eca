package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitewatch/internal/config"
	"sitewatch/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrStateNotFound no cached state for the device
var ErrStateNotFound = errors.New("device state not found")

// DeviceState cached link state of one device
type DeviceState struct {
	SiteID    string                 `json:"site_id"`
	DeviceID  string                 `json:"device_id"`
	State     models.ConnectionState `json:"state"`
	LastSeen  *time.Time             `json:"last_seen,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// DeviceStateCache keeps the latest link state of each device in redis so
// dashboards can read it without querying postgres. Entries expire after the
// configured TTL when the service stops refreshing them.
type DeviceStateCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewDeviceStateCache creates the cache
func NewDeviceStateCache(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *DeviceStateCache {
	return &DeviceStateCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetStateKey builds the cache key of a device
func (c *DeviceStateCache) GetStateKey(siteID, deviceID string) string {
	return fmt.Sprintf("%s%s:%s", c.config.Cache.StatePrefix, siteID, deviceID)
}

// SetDeviceConnectionState writes the state. A zero lastSeen keeps the
// previously cached value.
func (c *DeviceStateCache) SetDeviceConnectionState(ctx context.Context, siteID, deviceID string, state models.ConnectionState, lastSeen time.Time) error {
	entry := DeviceState{
		SiteID:    siteID,
		DeviceID:  deviceID,
		State:     state,
		UpdatedAt: time.Now(),
	}
	if !lastSeen.IsZero() {
		entry.LastSeen = &lastSeen
	} else if prev, err := c.GetDeviceState(ctx, siteID, deviceID); err == nil {
		entry.LastSeen = prev.LastSeen
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}

	if err := c.redisClient.Set(ctx, c.GetStateKey(siteID, deviceID), jsonData, c.config.Cache.StateTTL).Err(); err != nil {
		return fmt.Errorf("failed to set device state: %w", err)
	}
	return nil
}

// GetDeviceState reads the cached state of a device
func (c *DeviceStateCache) GetDeviceState(ctx context.Context, siteID, deviceID string) (*DeviceState, error) {
	val, err := c.redisClient.Get(ctx, c.GetStateKey(siteID, deviceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrStateNotFound, siteID, deviceID)
		}
		return nil, fmt.Errorf("failed to get device state: %w", err)
	}

	var state DeviceState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device state: %w", err)
	}
	return &state, nil
}

// DeleteDeviceState drops the entry of a removed device
func (c *DeviceStateCache) DeleteDeviceState(ctx context.Context, siteID, deviceID string) error {
	if err := c.redisClient.Del(ctx, c.GetStateKey(siteID, deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete device state: %w", err)
	}
	return nil
}
