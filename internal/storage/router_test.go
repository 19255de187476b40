package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/models"
	"github.com/fleetsense/iot-backend/internal/storage"
)

// fakeConn records executed statements.
type fakeConn struct {
	mu    sync.Mutex
	execs []string
	fail  bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.execs = append(c.execs, sql)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) execCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.execs)
}

// TestTenantKey pins the canonical normalization: lowercase, whitespace runs
// collapsed to a single underscore.
func TestTenantKey(t *testing.T) {
	assert.Equal(t, "north_plant", storage.TenantKey("North Plant"))
	assert.Equal(t, "north_plant", storage.TenantKey("  NORTH   PLANT  "))
	assert.Equal(t, "plant_42", storage.TenantKey("Plant\t42"))
	assert.Equal(t, "solo", storage.TenantKey("solo"))
}

// TestRouter_Connection_SingleFlight verifies concurrent first-use of the
// same tenant key dials exactly once.
func TestRouter_Connection_SingleFlight(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, string) (storage.Conn, error) {
		dials.Add(1)
		time.Sleep(10 * time.Millisecond) // widen the race window
		return &fakeConn{}, nil
	}
	router := storage.NewRouter(dial, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := router.Connection(context.Background(), "north_plant")
			assert.NoError(t, err)
			assert.NotNil(t, conn)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
}

// TestRouter_Connection_FailedDialRetries verifies a failed dial is forgotten
// so the next call can retry.
func TestRouter_Connection_FailedDialRetries(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, string) (storage.Conn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("tenant database unreachable")
		}
		return &fakeConn{}, nil
	}
	router := storage.NewRouter(dial, zerolog.Nop())

	_, err := router.Connection(context.Background(), "plant")
	assert.Error(t, err)

	conn, err := router.Connection(context.Background(), "plant")
	assert.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, int32(2), dials.Load())
}

// TestRouter_Append verifies the partition table is ensured once per tenant
// and each record becomes one insert.
func TestRouter_Append(t *testing.T) {
	conn := &fakeConn{}
	dial := func(context.Context, string) (storage.Conn, error) { return conn, nil }
	router := storage.NewRouter(dial, zerolog.Nop())

	record := models.TelemetryRecord{
		DeviceID: "D1", SiteID: "s1", Type: constants.DeviceTypeWater,
		Value: 1.5, Unit: "m³", Timestamp: time.Now().UTC(),
	}

	assert.NoError(t, router.Append(context.Background(), "plant", constants.DeviceTypeWater, record))
	assert.Equal(t, 2, conn.execCount(), "first append runs DDL plus insert")

	assert.NoError(t, router.Append(context.Background(), "plant", constants.DeviceTypeWater, record))
	assert.Equal(t, 3, conn.execCount(), "second append skips the DDL")
}

// TestRouter_Append_UnknownPartition verifies partition names outside the
// device-type enum never reach SQL.
func TestRouter_Append_UnknownPartition(t *testing.T) {
	conn := &fakeConn{}
	dial := func(context.Context, string) (storage.Conn, error) { return conn, nil }
	router := storage.NewRouter(dial, zerolog.Nop())

	err := router.Append(context.Background(), "plant", constants.DeviceType("users; DROP TABLE"), models.TelemetryRecord{})

	assert.Error(t, err)
	assert.Equal(t, 0, conn.execCount())
}

// TestRouter_Append_WriteFailure verifies a failed write is reported to the
// caller, not retried.
func TestRouter_Append_WriteFailure(t *testing.T) {
	conn := &fakeConn{fail: true}
	dial := func(context.Context, string) (storage.Conn, error) { return conn, nil }
	router := storage.NewRouter(dial, zerolog.Nop())

	err := router.Append(context.Background(), "plant", constants.DeviceTypeGas, models.TelemetryRecord{})
	assert.Error(t, err)
}
