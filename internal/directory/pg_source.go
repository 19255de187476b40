package directory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/models"
)

// PgSource reads device and site records from the main database.
type PgSource struct {
	pool *pgxpool.Pool
}

// NewPgSource creates a Source backed by the given connection pool.
func NewPgSource(pool *pgxpool.Pool) *PgSource {
	return &PgSource{pool: pool}
}

// ActiveDevices returns every device with status "active".
func (s *PgSource) ActiveDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device_id, name, type, site_id, status FROM devices WHERE status = $1`,
		constants.DeviceStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var device models.Device
		if err := rows.Scan(&device.DeviceID, &device.Name, &device.Type, &device.SiteID, &device.Status); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// Sites returns all sites.
func (s *PgSource) Sites(ctx context.Context) ([]models.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM sites`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		var site models.Site
		if err := rows.Scan(&site.ID, &site.Name); err != nil {
			return nil, fmt.Errorf("failed to scan site row: %w", err)
		}
		sites = append(sites, site)
	}

	return sites, rows.Err()
}
