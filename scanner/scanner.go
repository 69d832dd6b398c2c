// Package scanner discovers bridge dongles over BLE advertisements.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemodbus/internal/gatt/goble"
	"github.com/srg/blemodbus/internal/profile"
	"github.com/srg/blemodbus/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// DongleEventType marks whether the dongle was newly discovered or updated.
type DongleEventType int

const (
	EventNew DongleEventType = iota
	EventUpdated
)

// Dongle is one discovered bridge peripheral.
type Dongle struct {
	Address        string        `json:"address"`
	Name           string        `json:"name"`
	Model          profile.Model `json:"-"`
	ModelName      string        `json:"model"`
	RSSI           int           `json:"rssi"`
	Connectable    bool          `json:"connectable"`
	Services       []string      `json:"services,omitempty"`
	FirstSeen      time.Time     `json:"firstSeen"`
	LastSeen       time.Time     `json:"lastSeen"`
	Advertisements int           `json:"advertisements"`
}

// DongleEvent is one entry on the live event channel.
type DongleEvent struct {
	Type   DongleEventType
	Dongle Dongle
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	// Duration bounds the scan; zero scans until the context ends.
	Duration        time.Duration
	DuplicateFilter bool
	// All disables dongle filtering and reports every advertiser.
	All       bool
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns the default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles dongle discovery. A Scanner is good for any number of
// sequential Scan calls; concurrent Scan calls are not supported.
type Scanner struct {
	dongles *hashmap.Map[string, *Dongle]
	events  *ringchan.RingChannel[DongleEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
	scanDevice  blelib.Device
}

// NewScanner creates a scanner.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		events: ringchan.New[DongleEvent](100),
		logger: logger,
	}, nil
}

// Scan performs discovery and returns the dongles seen, keyed by address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progress ProgressCallback) (map[string]Dongle, error) {
	s.dongles = hashmap.New[string, *Dongle]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan")
	progress("Scanning")

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	s.scanDevice = dev

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = s.scanDevice.Scan(ctx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("dongle_count", s.dongles.Len()).Info("BLE scan completed")
	progress("Processing results")

	dongles := make(map[string]Dongle, s.dongles.Len())
	s.dongles.Range(func(key string, value *Dongle) bool {
		dongles[key] = *value
		return true
	})
	return dongles, nil
}

// handleAdvertisement updates an existing dongle or records a new one.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	address := adv.Addr().String()

	d, existing := s.dongles.Get(address)
	if !existing {
		if !s.shouldInclude(adv, s.scanOptions) {
			return
		}
		d, existing = s.dongles.GetOrInsert(address, newDongle(adv))
	}

	event := DongleEvent{}
	if existing {
		d.update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"name":    d.Name,
			"address": d.Address,
			"model":   d.ModelName,
			"rssi":    d.RSSI,
		}).Info("Discovered dongle")
		event.Type = EventNew
	}
	event.Dongle = *d

	s.events.Send(event)
}

// shouldInclude applies the allow/block lists and the dongle filter.
func (s *Scanner) shouldInclude(adv blelib.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.All {
		return true
	}
	return isDongle(adv)
}

// isDongle reports whether the advertisement looks like a bridge dongle:
// either the controller service UUID is advertised, or the local name
// matches a known model prefix. Some platform stacks strip the service
// list, hence the name fallback.
func isDongle(adv blelib.Advertisement) bool {
	controller := blelib.MustParse(profile.ControllerServiceUUID)
	for _, u := range adv.Services() {
		if controller.Equal(u) {
			return true
		}
	}
	return profile.Detect(adv.LocalName()) != profile.ModelUnknown
}

func newDongle(adv blelib.Advertisement) *Dongle {
	now := time.Now()
	model := profile.Detect(adv.LocalName())
	d := &Dongle{
		Address:        adv.Addr().String(),
		Name:           adv.LocalName(),
		Model:          model,
		ModelName:      model.String(),
		RSSI:           adv.RSSI(),
		Connectable:    adv.Connectable(),
		FirstSeen:      now,
		LastSeen:       now,
		Advertisements: 1,
	}
	for _, u := range adv.Services() {
		d.Services = append(d.Services, u.String())
	}
	return d
}

// update refreshes the volatile fields from a repeat advertisement.
func (d *Dongle) update(adv blelib.Advertisement) {
	d.RSSI = adv.RSSI()
	d.LastSeen = time.Now()
	d.Advertisements++
	if d.Name == "" {
		d.Name = adv.LocalName()
		if d.Model == profile.ModelUnknown {
			d.Model = profile.Detect(d.Name)
			d.ModelName = d.Model.String()
		}
	}
}

// Events returns the live discovery event channel.
func (s *Scanner) Events() <-chan DongleEvent {
	return s.events.C()
}
