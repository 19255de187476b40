package directory

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/models"
)

// Meta is the resolved metadata for one active device: everything the
// ingestion path needs without touching the database per message.
type Meta struct {
	DeviceID   string
	DeviceName string
	Type       constants.DeviceType
	SiteID     string
	SiteName   string
}

// Source loads the persisted device and site records the directory is built
// from. The production implementation reads the main database; tests and the
// CRUD collaborator inject their own.
type Source interface {
	ActiveDevices(ctx context.Context) ([]models.Device, error)
	Sites(ctx context.Context) ([]models.Site, error)
}

// Directory maps deviceId to tenant/site/type metadata. The map is rebuilt as
// a whole and swapped in atomically, so concurrent lookups never observe a
// partially-built map.
type Directory struct {
	source Source
	logger zerolog.Logger

	entries atomic.Pointer[map[string]Meta]
}

// New creates an empty Directory backed by the given source.
func New(source Source, logger zerolog.Logger) *Directory {
	d := &Directory{
		source: source,
		logger: logger,
	}
	empty := map[string]Meta{}
	d.entries.Store(&empty)
	return d
}

// Rebuild loads all active devices, joins each to its site and swaps the new
// map in. Devices missing an id or site, or pointing at an unknown site, are
// skipped with a warning rather than failing the rebuild.
func (d *Directory) Rebuild(ctx context.Context) error {
	devices, err := d.source.ActiveDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	sites, err := d.source.Sites(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sites: %w", err)
	}

	siteByID := make(map[string]models.Site, len(sites))
	for _, site := range sites {
		siteByID[site.ID] = site
	}

	entries := make(map[string]Meta, len(devices))
	for _, device := range devices {
		if device.DeviceID == "" || device.SiteID == "" {
			d.logger.Warn().
				Str("device_name", device.Name).
				Msg("Skipping device without deviceId or siteId")
			continue
		}

		site, ok := siteByID[device.SiteID]
		if !ok {
			d.logger.Warn().
				Str("device_id", device.DeviceID).
				Str("site_id", device.SiteID).
				Msg("Skipping device with unresolvable site")
			continue
		}

		entries[device.DeviceID] = Meta{
			DeviceID:   device.DeviceID,
			DeviceName: device.Name,
			Type:       device.Type,
			SiteID:     device.SiteID,
			SiteName:   site.Name,
		}
	}

	d.entries.Store(&entries)
	d.logger.Info().
		Int("devices", len(entries)).
		Int("sites", len(sites)).
		Msg("Device directory rebuilt")
	return nil
}

// Refresh recomputes the full map. The device/site management API calls this
// after every create, update or delete.
func (d *Directory) Refresh(ctx context.Context) error {
	return d.Rebuild(ctx)
}

// Lookup returns the metadata for a device, or false when the device is
// unknown or inactive.
func (d *Directory) Lookup(deviceID string) (Meta, bool) {
	meta, ok := (*d.entries.Load())[deviceID]
	return meta, ok
}

// Size returns the number of devices currently in the directory.
func (d *Directory) Size() int {
	return len(*d.entries.Load())
}
