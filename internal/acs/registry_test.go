package acs

import (
	"sync"
	"testing"
	"time"

	"acsd/internal/soap"
)

func TestRegistryResolveOrCreate(t *testing.T) {
	registry := NewRegistry(newTestConfig(), nil)

	dev := registry.ResolveOrCreate("SN001")
	if dev == nil {
		t.Fatal("Expected a device record")
	}
	if dev.Serial != "SN001" {
		t.Errorf("Expected serial SN001, got %s", dev.Serial)
	}

	again := registry.ResolveOrCreate("SN001")
	if again != dev {
		t.Error("Expected repeated resolution to return the same record")
	}
	if registry.DeviceCount() != 1 {
		t.Errorf("Expected 1 registered device, got %d", registry.DeviceCount())
	}
}

func TestRegistryResolveOrCreateConcurrent(t *testing.T) {
	registry := NewRegistry(newTestConfig(), nil)

	var wg sync.WaitGroup
	devices := make([]*Device, 16)
	for i := range devices {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			devices[n] = registry.ResolveOrCreate("SN-race")
		}(i)
	}
	wg.Wait()

	for _, dev := range devices[1:] {
		if dev != devices[0] {
			t.Fatal("Expected every concurrent resolution to yield the same record")
		}
	}
	if registry.DeviceCount() != 1 {
		t.Errorf("Expected 1 registered device, got %d", registry.DeviceCount())
	}
}

func TestRegistryMintsConnReqPassword(t *testing.T) {
	config := newTestConfig()
	config.ConnReq.Password = ""
	registry := NewRegistry(config, nil)

	first := registry.ResolveOrCreate("SN001").ConnReq()
	second := registry.ResolveOrCreate("SN002").ConnReq()

	if len(first.Password) != 30 {
		t.Errorf("Expected a 30-character minted password, got %d characters", len(first.Password))
	}
	if first.Password == second.Password {
		t.Error("Expected each device to receive its own minted password")
	}
}

func TestRegistryConfiguredConnReqPassword(t *testing.T) {
	registry := NewRegistry(newTestConfig(), nil)

	connreq := registry.ResolveOrCreate("SN001").ConnReq()
	if connreq.Password != "rc-pass" {
		t.Errorf("Expected configured connreq password, got %s", connreq.Password)
	}
	if connreq.Username != "acsd" {
		t.Errorf("Expected configured connreq username, got %s", connreq.Username)
	}
}

func TestRegistryPersistAndHydrate(t *testing.T) {
	store := newTestStore(t)
	config := newTestConfig()

	registry := NewRegistry(config, store)
	dev := registry.ResolveOrCreate("SN100")
	dev.UpdateIdentity(soap.DeviceID{
		Manufacturer: "Acme",
		OUI:          "ABCDEF",
		SerialNumber: "SN100",
	}, time.Now())
	dev.ReconcileConnReq("http://192.0.2.10:7547/rc")
	registry.Persist(dev)

	// A fresh registry over the same store sees the device again.
	rehydrated := NewRegistry(config, store)
	if err := rehydrated.Hydrate(); err != nil {
		t.Fatalf("Failed to hydrate registry: %v", err)
	}

	loaded, exists := rehydrated.Lookup("SN100")
	if !exists {
		t.Fatal("Expected hydrated registry to contain SN100")
	}
	if loaded.Identity().Manufacturer != "Acme" {
		t.Errorf("Expected identity to survive, got %+v", loaded.Identity())
	}
	if loaded.ConnReq().URL != "http://192.0.2.10:7547/rc" {
		t.Errorf("Expected connreq URL to survive, got %s", loaded.ConnReq().URL)
	}
	if loaded.QueueLen() != 0 {
		t.Errorf("Expected queued transfers not to survive, got %d", loaded.QueueLen())
	}
}

func TestRegistrySweepExpired(t *testing.T) {
	registry := NewRegistry(newTestConfig(), nil)

	dev := registry.ResolveOrCreate("SN001")
	tr, observer := NewObservedTransfer()
	tr.Message.AddGetParameterValues("Device.DeviceInfo.UpTime")
	if err := dev.ScheduleTransfer(tr); err != nil {
		t.Fatalf("Failed to schedule transfer: %v", err)
	}
	dev.NextTransfer()

	if expired := registry.sweepExpired(time.Now()); expired != 0 {
		t.Errorf("Expected nothing to expire before the deadline, got %d", expired)
	}

	if expired := registry.sweepExpired(time.Now().Add(time.Minute)); expired != 1 {
		t.Errorf("Expected 1 expired transfer, got %d", expired)
	}

	if _, ok := <-observer; ok {
		t.Error("Expected expired observer to be closed without a value")
	}
}

func TestRandomPassword(t *testing.T) {
	password := RandomPassword(30)
	if len(password) != 30 {
		t.Fatalf("Expected 30 characters, got %d", len(password))
	}
	for _, c := range password {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum {
			t.Errorf("Unexpected character %q in password", c)
		}
	}

	if RandomPassword(30) == password {
		t.Error("Expected successive passwords to differ")
	}
}
