package readings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/models"
)

// Store keeps each device's last reading in two places: the device row in the
// main database, which the management API reads, and a redis key the
// dashboard's hot path reads. Both writes are best-effort and independent.
type Store struct {
	rdb    *redis.Client
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore creates a Store. ttl bounds how long a dead device's reading stays
// cached; zero disables expiry.
func NewStore(rdb *redis.Client, pool *pgxpool.Pool, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		pool:   pool,
		ttl:    ttl,
		logger: logger,
	}
}

// cacheKey is the redis key holding a device's last reading.
func cacheKey(deviceID string) string {
	return fmt.Sprintf("device:last:%s", deviceID)
}

// Update writes the reading to both stores and joins the failures. A partial
// failure still leaves the other store current.
func (s *Store) Update(ctx context.Context, deviceID string, reading models.LastReading) error {
	var dbErr, cacheErr error

	if s.pool != nil {
		_, dbErr = s.pool.Exec(ctx,
			`UPDATE devices SET last_value = $1, last_unit = $2, last_timestamp = $3 WHERE device_id = $4`,
			reading.Value, reading.Unit, reading.Timestamp, deviceID)
		if dbErr != nil {
			dbErr = fmt.Errorf("failed to update device row: %w", dbErr)
		}
	}

	if s.rdb != nil {
		payload, err := json.Marshal(reading)
		if err != nil {
			cacheErr = fmt.Errorf("failed to encode last reading: %w", err)
		} else if err := s.rdb.Set(ctx, cacheKey(deviceID), payload, s.ttl).Err(); err != nil {
			cacheErr = fmt.Errorf("failed to cache last reading: %w", err)
		}
	}

	return errors.Join(dbErr, cacheErr)
}

// Get returns the cached reading for a device, or false when nothing is
// cached. Used by the health/status surface and collaborators.
func (s *Store) Get(ctx context.Context, deviceID string) (models.LastReading, bool) {
	var reading models.LastReading
	if s.rdb == nil {
		return reading, false
	}

	payload, err := s.rdb.Get(ctx, cacheKey(deviceID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to read cached last reading")
		}
		return reading, false
	}

	if err := json.Unmarshal(payload, &reading); err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Corrupt cached last reading")
		return reading, false
	}

	return reading, true
}
