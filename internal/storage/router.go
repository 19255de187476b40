package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/models"
)

// Conn is one long-lived tenant storage connection.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Close()
}

// Dialer opens a connection to the storage backing a tenant key.
type Dialer func(ctx context.Context, tenantKey string) (Conn, error)

var whitespaceRun = regexp.MustCompile(`\s+`)

// TenantKey derives the canonical storage key from a site name: lowercased,
// with every whitespace run collapsed to a single underscore. This is the only
// normalization in the codebase; every path that needs a tenant key goes
// through it.
func TenantKey(siteName string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(siteName)), "_")
}

// tenant holds one cached connection together with its creation guard and the
// set of partitions already ensured on it.
type tenant struct {
	once sync.Once
	conn Conn
	err  error

	mu     sync.Mutex
	tables map[string]struct{}
}

// Router lazily opens and caches one storage connection per tenant and writes
// telemetry records into type-keyed partitions. Concurrent first-use of the
// same uncached key is collapsed into a single connection attempt.
type Router struct {
	dial   Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	tenants map[string]*tenant
}

// NewRouter creates a Router that opens tenant connections through dial.
func NewRouter(dial Dialer, logger zerolog.Logger) *Router {
	return &Router{
		dial:    dial,
		logger:  logger,
		tenants: make(map[string]*tenant),
	}
}

// Connection returns the cached connection for tenantKey, dialing it on first
// use. A failed dial is forgotten so a later call can retry.
func (r *Router) Connection(ctx context.Context, tenantKey string) (Conn, error) {
	r.mu.Lock()
	t, ok := r.tenants[tenantKey]
	if !ok {
		t = &tenant{tables: make(map[string]struct{})}
		r.tenants[tenantKey] = t
	}
	r.mu.Unlock()

	t.once.Do(func() {
		t.conn, t.err = r.dial(ctx, tenantKey)
		if t.err == nil {
			r.logger.Info().Str("tenant", tenantKey).Msg("Opened tenant storage connection")
		}
	})

	if t.err != nil {
		r.mu.Lock()
		if r.tenants[tenantKey] == t {
			delete(r.tenants, tenantKey)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to open storage for tenant %q: %w", tenantKey, t.err)
	}

	return t.conn, nil
}

// Append writes one telemetry record into the tenant's partition for the
// given device type. Failures are returned to the caller and never retried
// here.
func (r *Router) Append(ctx context.Context, tenantKey string, partition constants.DeviceType, record models.TelemetryRecord) error {
	if !constants.IsKnownDeviceType(partition) {
		return fmt.Errorf("unknown telemetry partition %q", partition)
	}

	conn, err := r.Connection(ctx, tenantKey)
	if err != nil {
		return err
	}

	if err := r.ensurePartition(ctx, tenantKey, conn, partition); err != nil {
		return err
	}

	extra, err := json.Marshal(record.Extra)
	if err != nil {
		return fmt.Errorf("failed to encode pass-through fields: %w", err)
	}

	table := pgx.Identifier{string(partition)}.Sanitize()
	insert := fmt.Sprintf(`INSERT INTO %s (device_id, device_name, site_id, site_name, value, unit, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, table)

	if err := conn.Exec(ctx, insert,
		record.DeviceID, record.DeviceName, record.SiteID, record.SiteName,
		record.Value, record.Unit, record.Timestamp, extra); err != nil {
		return fmt.Errorf("failed to append record for tenant %q: %w", tenantKey, err)
	}

	return nil
}

// ensurePartition creates the type-keyed table once per tenant connection.
func (r *Router) ensurePartition(ctx context.Context, tenantKey string, conn Conn, partition constants.DeviceType) error {
	r.mu.Lock()
	t := r.tenants[tenantKey]
	r.mu.Unlock()
	if t == nil {
		return fmt.Errorf("tenant %q disappeared during append", tenantKey)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tables[string(partition)]; ok {
		return nil
	}

	table := pgx.Identifier{string(partition)}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		device_name TEXT,
		site_id TEXT NOT NULL,
		site_name TEXT,
		value DOUBLE PRECISION NOT NULL,
		unit TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		payload JSONB
	)`, table)

	if err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure partition %q for tenant %q: %w", partition, tenantKey, err)
	}

	t.tables[string(partition)] = struct{}{}
	return nil
}

// Close drains every cached tenant connection.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.tenants {
		if t.conn != nil {
			t.conn.Close()
		}
		delete(r.tenants, key)
	}
}
