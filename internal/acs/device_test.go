package acs

import (
	"testing"
	"time"

	"acsd/internal/logger"
	"acsd/internal/soap"
)

func newTestDevice(queueLimit int) *Device {
	connreq := ConnReq{Username: "acsd", Password: "s3cret"}
	return newDevice("SN001", connreq, queueLimit, 30*time.Second, NewDeliveredCache(16), logger.New())
}

func TestTransferQueueFIFO(t *testing.T) {
	dev := newTestDevice(8)

	first := NewTransfer()
	first.Message.AddGetParameterValues("Device.DeviceInfo.UpTime")
	second := NewTransfer()
	second.Message.AddGetParameterValues("Device.DeviceInfo.SoftwareVersion")

	if err := dev.ScheduleTransfer(first); err != nil {
		t.Fatalf("Failed to schedule first transfer: %v", err)
	}
	if err := dev.ScheduleTransfer(second); err != nil {
		t.Fatalf("Failed to schedule second transfer: %v", err)
	}

	if got := dev.NextTransfer(); got != first {
		t.Error("Expected first scheduled transfer to be dispatched first")
	}
	if got := dev.NextTransfer(); got != second {
		t.Error("Expected second scheduled transfer to be dispatched second")
	}
	if got := dev.NextTransfer(); got != nil {
		t.Error("Expected empty queue to dispatch nothing")
	}
}

func TestTransferQueueBound(t *testing.T) {
	dev := newTestDevice(2)

	if err := dev.ScheduleTransfer(NewTransfer()); err != nil {
		t.Fatalf("Unexpected enqueue error: %v", err)
	}
	if err := dev.ScheduleTransfer(NewTransfer()); err != nil {
		t.Fatalf("Unexpected enqueue error: %v", err)
	}

	if err := dev.ScheduleTransfer(NewTransfer()); err == nil {
		t.Error("Expected enqueue beyond the bound to be rejected")
	}

	if dev.QueueLen() != 2 {
		t.Errorf("Expected queue length 2, got %d", dev.QueueLen())
	}
}

func TestNextTransferStampsCorrelationID(t *testing.T) {
	dev := newTestDevice(8)

	tr, _ := NewObservedTransfer()
	tr.Message.AddGetParameterValues("Device.DeviceInfo.UpTime")
	if err := dev.ScheduleTransfer(tr); err != nil {
		t.Fatalf("Failed to schedule transfer: %v", err)
	}

	dispatched := dev.NextTransfer()
	if dispatched == nil {
		t.Fatal("Expected a dispatched transfer")
	}
	if dispatched.Message.ID() == "" {
		t.Error("Expected dispatched transfer to carry a correlation id")
	}
	if dev.PendingLen() != 1 {
		t.Errorf("Expected 1 pending response, got %d", dev.PendingLen())
	}
}

func TestDeliverResponseExactlyOnce(t *testing.T) {
	dev := newTestDevice(8)

	tr, observer := NewObservedTransfer()
	tr.Message.AddSetParameterValues("")
	if err := dev.ScheduleTransfer(tr); err != nil {
		t.Fatalf("Failed to schedule transfer: %v", err)
	}

	dispatched := dev.NextTransfer()
	id := dispatched.Message.ID()

	response := soap.NewEnvelope(id)
	response.Body.SetParameterValuesResponse = &soap.SetParameterValuesResponse{Status: 0}

	if !dev.DeliverResponse(response) {
		t.Fatal("Expected first delivery to succeed")
	}

	got, ok := <-observer
	if !ok {
		t.Fatal("Expected observer to receive the response")
	}
	if got.ID() != id {
		t.Errorf("Expected response id %s, got %s", id, got.ID())
	}

	// The channel is closed after delivery; a second receive reports closed.
	if _, ok := <-observer; ok {
		t.Error("Expected observer channel to be closed after delivery")
	}

	// A duplicate response finds nothing to notify.
	if dev.DeliverResponse(response) {
		t.Error("Expected duplicate delivery to be rejected")
	}
	if !dev.delivered.Seen(dev.Serial, id) {
		t.Error("Expected delivered cache to remember the correlation id")
	}
}

func TestDeliverResponseUnknownID(t *testing.T) {
	dev := newTestDevice(8)

	response := soap.NewEnvelope("never-dispatched")
	if dev.DeliverResponse(response) {
		t.Error("Expected delivery for an unknown correlation id to fail")
	}
}

func TestExpirePendingResolvesObserver(t *testing.T) {
	dev := newTestDevice(8)

	tr, observer := NewObservedTransfer()
	tr.Message.AddSetParameterValues("")
	if err := dev.ScheduleTransfer(tr); err != nil {
		t.Fatalf("Failed to schedule transfer: %v", err)
	}

	dispatched := dev.NextTransfer()
	id := dispatched.Message.ID()

	expired := dev.expirePending(time.Now().Add(time.Minute))
	if expired != 1 {
		t.Fatalf("Expected 1 expired transfer, got %d", expired)
	}

	// Closed without a send: the "no response" outcome.
	if env, ok := <-observer; ok || env != nil {
		t.Error("Expected expired observer to be closed without a value")
	}

	if dev.PendingLen() != 0 {
		t.Errorf("Expected no pending responses after expiry, got %d", dev.PendingLen())
	}
	if !dev.delivered.Seen(dev.Serial, id) {
		t.Error("Expected expired id to be recorded as resolved")
	}
}

func TestReconcileConnReq(t *testing.T) {
	t.Run("enqueues corrective transfer on divergence", func(t *testing.T) {
		dev := newTestDevice(8)

		if !dev.ReconcileConnReq("http://10.0.0.2:7547/rc") {
			t.Fatal("Expected divergence to queue a corrective transfer")
		}
		if dev.QueueLen() != 1 {
			t.Fatalf("Expected 1 queued transfer, got %d", dev.QueueLen())
		}
		if dev.ConnReq().URL != "http://10.0.0.2:7547/rc" {
			t.Errorf("Expected stored URL to be updated, got %s", dev.ConnReq().URL)
		}

		tr := dev.NextTransfer()
		spv := tr.Message.Body.SetParameterValues
		if spv == nil {
			t.Fatal("Expected corrective transfer to carry a SetParameterValues")
		}

		username, _ := spv.ParameterList.Value(soap.ParamConnReqUsername)
		password, _ := spv.ParameterList.Value(soap.ParamConnReqPassword)
		if username != "acsd" {
			t.Errorf("Expected connreq username 'acsd', got %s", username)
		}
		if password != "s3cret" {
			t.Errorf("Expected connreq password 's3cret', got %s", password)
		}
	})

	t.Run("at most one enqueue per divergence", func(t *testing.T) {
		dev := newTestDevice(8)

		if !dev.ReconcileConnReq("http://10.0.0.2:7547/rc") {
			t.Fatal("Expected first reconcile to queue a transfer")
		}
		if dev.ReconcileConnReq("http://10.0.0.2:7547/rc") {
			t.Error("Expected repeated reconcile with the same URL to queue nothing")
		}
		if dev.QueueLen() != 1 {
			t.Errorf("Expected exactly 1 queued transfer, got %d", dev.QueueLen())
		}
	})

	t.Run("new divergence queues again", func(t *testing.T) {
		dev := newTestDevice(8)

		dev.ReconcileConnReq("http://10.0.0.2:7547/rc")
		if !dev.ReconcileConnReq("http://10.0.0.3:7547/rc") {
			t.Error("Expected a changed URL to queue another corrective transfer")
		}
		if dev.QueueLen() != 2 {
			t.Errorf("Expected 2 queued transfers, got %d", dev.QueueLen())
		}
	})
}

func TestScheduleSetParameterValues(t *testing.T) {
	dev := newTestDevice(8)

	observer, err := dev.ScheduleSetParameterValues(map[string]string{
		"Device.ManagementServer.PeriodicInformInterval": "300",
	})
	if err != nil {
		t.Fatalf("Failed to schedule SPV: %v", err)
	}
	if observer == nil {
		t.Fatal("Expected an observer channel")
	}

	tr := dev.NextTransfer()
	if tr.Message.Body.SetParameterValues == nil {
		t.Fatal("Expected a SetParameterValues message")
	}

	value, ok := tr.Message.Body.SetParameterValues.ParameterList.Value("Device.ManagementServer.PeriodicInformInterval")
	if !ok || value != "300" {
		t.Errorf("Expected scheduled parameter to round trip, got %q", value)
	}
}
