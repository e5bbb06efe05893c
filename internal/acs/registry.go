// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package acs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"acsd/internal/logger"
)

// Registry is the process-wide map from CPE serial number to its device
// record. Entries are created lazily the first time a serial number is seen
// and never removed in normal operation. The registry lock only covers map
// access; all device state mutation goes through each device's own lock.
type Registry struct {
	devices   map[string]*Device
	mutex     sync.RWMutex
	config    *Config
	store     *Store
	delivered *DeliveredCache
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a device registry. store may be nil, in which case
// devices live only in memory.
func NewRegistry(config *Config, store *Store) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		devices:   make(map[string]*Device),
		config:    config,
		store:     store,
		delivered: NewDeliveredCache(128),
		logger:    logger.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Hydrate loads persisted device records from the inventory store.
func (r *Registry) Hydrate() error {
	if r.store == nil {
		return nil
	}

	records, err := r.store.LoadDevices()
	if err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, rec := range records {
		dev := newDevice(rec.Serial, rec.ConnReq, r.config.Queue.Limit, r.config.GetTransferTimeout(), r.delivered, r.logger)
		dev.identity = rec.Identity
		dev.lastInform = rec.LastInform
		r.devices[rec.Serial] = dev
	}

	r.logger.Info().
		Int("device_count", len(records)).
		Msg("Hydrated device registry from store")

	return nil
}

// Lookup returns the device record for a serial number, if one exists.
func (r *Registry) Lookup(serial string) (*Device, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	dev, exists := r.devices[serial]
	return dev, exists
}

// ResolveOrCreate returns the device record for a serial number, allocating
// a default record the first time the serial is seen. Creation is idempotent:
// concurrent calls for the same serial resolve to the same record.
func (r *Registry) ResolveOrCreate(serial string) *Device {
	if dev, exists := r.Lookup(serial); exists {
		return dev
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Re-check under the write lock; another request may have won the race.
	if dev, exists := r.devices[serial]; exists {
		return dev
	}

	connreq := ConnReq{
		Username: r.config.ConnReq.Username,
		Password: r.config.ConnReq.Password,
	}
	if connreq.Password == "" {
		connreq.Password = RandomPassword(30)
	}

	dev := newDevice(serial, connreq, r.config.Queue.Limit, r.config.GetTransferTimeout(), r.delivered, r.logger)
	r.devices[serial] = dev

	r.logger.Info().
		Str("serial", serial).
		Msg("Registered new device")

	return dev
}

// Persist writes a device's current record through to the inventory store.
func (r *Registry) Persist(dev *Device) {
	if r.store == nil {
		return
	}

	rec := DeviceRecord{
		Serial:     dev.Serial,
		Identity:   dev.Identity(),
		ConnReq:    dev.ConnReq(),
		LastInform: dev.LastInform(),
	}
	if err := r.store.UpsertDevice(rec); err != nil {
		r.logger.Error().
			Str("serial", dev.Serial).
			Err(err).
			Msg("Failed to persist device record")
	}
}

// DeviceCount returns the number of registered devices.
func (r *Registry) DeviceCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.devices)
}

// Delivered exposes the delivered-response cache.
func (r *Registry) Delivered() *DeliveredCache {
	return r.delivered
}

// Start launches the sweep loop that expires dispatched transfers whose
// deadline has passed.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop terminates the sweep loop.
func (r *Registry) Stop() {
	r.cancel()
}

// sweepLoop periodically resolves timed-out observers.
func (r *Registry) sweepLoop() {
	interval := r.config.GetTransferTimeout() / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", interval).
		Msg("Starting transfer timeout sweep loop")

	for {
		select {
		case <-ticker.C:
			r.sweepExpired(time.Now())
		case <-r.ctx.Done():
			r.logger.Info().Msg("Transfer timeout sweep loop stopping")
			return
		}
	}
}

// sweepExpired expires pending transfers across all devices.
func (r *Registry) sweepExpired(now time.Time) int {
	r.mutex.RLock()
	devices := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	r.mutex.RUnlock()

	expired := 0
	for _, dev := range devices {
		expired += dev.expirePending(now)
	}
	return expired
}
