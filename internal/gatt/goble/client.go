// Package goble implements gatt.Transport on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemodbus/internal/gatt"
)

// Client is a gatt.Transport backed by a go-ble central connection.
type Client struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	client    ble.Client
	profile   *ble.Profile
	chars     map[string]*ble.Characteristic // key: svcUUID + "/" + charUUID, normalized
	subs      map[string]struct{}
	connected bool

	writeMu sync.Mutex
}

// NewClient returns an unconnected transport.
func NewClient(logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		logger: logger,
		chars:  make(map[string]*ble.Characteristic),
		subs:   make(map[string]struct{}),
	}
}

func charKey(serviceUUID, charUUID string) string {
	return gatt.NormalizeUUID(serviceUUID) + "/" + gatt.NormalizeUUID(charUUID)
}

// Connect dials the peripheral and discovers its full GATT profile.
func (c *Client) Connect(ctx context.Context, opts *gatt.ConnectOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return gatt.ErrAlreadyConnected
	}
	if opts == nil || opts.Address == "" {
		return fmt.Errorf("device address is not set")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return gatt.NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}
	ble.SetDefaultDevice(dev)

	connCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	c.logger.WithField("address", opts.Address).Info("Connecting to BLE device...")

	client, err := ble.Dial(connCtx, ble.NewAddr(opts.Address))
	if err != nil {
		return gatt.NormalizeError(fmt.Errorf("failed to connect to %q: %w", opts.Address, err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	c.client = client
	c.profile = profile
	c.chars = make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			c.chars[charKey(svc.UUID.String(), char.UUID.String())] = char
		}
	}
	c.connected = true

	c.logger.WithField("services", len(profile.Services)).Info("BLE device connected")
	return nil
}

// Discover returns the profile captured at connect time.
func (c *Client) Discover(_ context.Context) ([]gatt.ServiceInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return nil, gatt.ErrNotConnected
	}

	services := make([]gatt.ServiceInfo, 0, len(c.profile.Services))
	for _, svc := range c.profile.Services {
		info := gatt.ServiceInfo{UUID: gatt.NormalizeUUID(svc.UUID.String())}
		for _, char := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, gatt.CharacteristicInfo{
				UUID:  gatt.NormalizeUUID(char.UUID.String()),
				Props: propsFromBLE(char.Property),
			})
		}
		services = append(services, info)
	}
	return services, nil
}

func propsFromBLE(p ble.Property) gatt.Properties {
	return gatt.Properties{
		Read:                 p&ble.CharRead != 0,
		Write:                p&ble.CharWrite != 0,
		WriteWithoutResponse: p&ble.CharWriteNR != 0,
		Notify:               p&ble.CharNotify != 0,
		Indicate:             p&ble.CharIndicate != 0,
	}
}

func (c *Client) lookup(serviceUUID, charUUID string) (ble.Client, *ble.Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return nil, nil, gatt.ErrNotConnected
	}
	char, ok := c.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %q not found in service %q", charUUID, serviceUUID)
	}
	return c.client, char, nil
}

// Read reads the characteristic value.
func (c *Client) Read(_ context.Context, serviceUUID, charUUID string) ([]byte, error) {
	client, char, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}

	data, err := client.ReadCharacteristic(char)
	if err != nil {
		return nil, gatt.NormalizeError(fmt.Errorf("failed to read characteristic %s: %w", charUUID, err))
	}
	return data, nil
}

// Write writes data in a single characteristic write. Chunking of larger
// buffers is the caller's concern; writes here are serialized so chunks from
// one buffer are never interleaved with another's.
func (c *Client) Write(_ context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	client, char, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return gatt.NormalizeError(fmt.Errorf("failed to write characteristic %s: %w", charUUID, err))
	}
	return nil
}

// Subscribe registers a notification handler for the characteristic.
func (c *Client) Subscribe(serviceUUID, charUUID string, handler gatt.NotificationHandler) error {
	client, char, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	if err := client.Subscribe(char, false, func(data []byte) { handler(data) }); err != nil {
		return gatt.NormalizeError(fmt.Errorf("failed to subscribe to %s: %w", charUUID, err))
	}

	c.mu.Lock()
	c.subs[charKey(serviceUUID, charUUID)] = struct{}{}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"service": serviceUUID,
		"char":    charUUID,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe detaches the notification handler. Unsubscribing a
// characteristic with no active subscription is a no-op.
func (c *Client) Unsubscribe(serviceUUID, charUUID string) error {
	c.mu.Lock()
	_, subscribed := c.subs[charKey(serviceUUID, charUUID)]
	delete(c.subs, charKey(serviceUUID, charUUID))
	c.mu.Unlock()

	if !subscribed {
		return nil
	}

	client, char, err := c.lookup(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := client.Unsubscribe(char, false); err != nil {
		return gatt.NormalizeError(fmt.Errorf("failed to unsubscribe from %s: %w", charUUID, err))
	}
	return nil
}

// IsConnected reports whether the transport holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close unsubscribes everything and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	client := c.client
	subs := make([]string, 0, len(c.subs))
	for key := range c.subs {
		subs = append(subs, key)
	}
	c.client = nil
	c.profile = nil
	c.subs = make(map[string]struct{})
	c.connected = false
	chars := c.chars
	c.chars = make(map[string]*ble.Characteristic)
	c.mu.Unlock()

	for _, key := range subs {
		if char, ok := chars[key]; ok {
			if err := client.Unsubscribe(char, false); err != nil {
				c.logger.WithError(err).WithField("char", key).Warn("Failed to unsubscribe during disconnect")
			}
		}
	}

	err := client.CancelConnection()
	if err != nil {
		c.logger.WithError(err).Warn("BLE device disconnected with errors")
		return gatt.NormalizeError(err)
	}
	c.logger.Info("BLE device disconnected")
	return nil
}
