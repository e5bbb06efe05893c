package acs

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DeliveredCache remembers, per device, the correlation ids whose responses
// have already been resolved (delivered to an observer or expired). CPEs
// retransmit when an HTTP exchange is cut short; the cache lets the session
// tell a retransmitted response apart from an unsolicited one and guarantees
// an observer is never notified twice for the same id.
type DeliveredCache struct {
	deviceCaches map[string]*lru.Cache[string, time.Time]
	mutex        sync.RWMutex
	maxSize      int
}

// NewDeliveredCache creates a delivered-response cache keeping up to maxSize
// correlation ids per device.
func NewDeliveredCache(maxSize int) *DeliveredCache {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &DeliveredCache{
		deviceCaches: make(map[string]*lru.Cache[string, time.Time]),
		maxSize:      maxSize,
	}
}

// getDeviceCache gets or creates the cache for a specific device
func (dc *DeliveredCache) getDeviceCache(serial string) *lru.Cache[string, time.Time] {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	cache, exists := dc.deviceCaches[serial]
	if !exists {
		cache, _ = lru.New[string, time.Time](dc.maxSize)
		dc.deviceCaches[serial] = cache
	}

	return cache
}

// Mark records a correlation id as resolved for a device.
func (dc *DeliveredCache) Mark(serial, id string) {
	if id == "" {
		return
	}
	dc.getDeviceCache(serial).Add(id, time.Now())
}

// Seen reports whether a correlation id was already resolved for a device.
func (dc *DeliveredCache) Seen(serial, id string) bool {
	dc.mutex.RLock()
	cache, exists := dc.deviceCaches[serial]
	dc.mutex.RUnlock()

	if !exists {
		return false
	}
	_, found := cache.Peek(id)
	return found
}

// ClearDevice drops every recorded id for a device.
func (dc *DeliveredCache) ClearDevice(serial string) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	if cache, exists := dc.deviceCaches[serial]; exists {
		cache.Purge()
		delete(dc.deviceCaches, serial)
	}
}

// Len returns the number of resolved ids currently recorded for a device.
func (dc *DeliveredCache) Len(serial string) int {
	dc.mutex.RLock()
	cache, exists := dc.deviceCaches[serial]
	dc.mutex.RUnlock()

	if !exists {
		return 0
	}
	return cache.Len()
}
