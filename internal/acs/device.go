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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"acsd/internal/soap"
)

// ErrQueueFull is returned when a device's transfer queue is at its bound.
var ErrQueueFull = fmt.Errorf("transfer queue full")

// Transfer is one queued outbound CWMP message awaiting delivery to a CPE.
// Observer, if non-nil, receives the CPE's response envelope exactly once;
// the channel is closed without a send if the CPE never answers before the
// dispatch deadline.
type Transfer struct {
	Message  *soap.Envelope
	Observer chan *soap.Envelope
}

// NewTransfer creates a transfer around an empty envelope.
func NewTransfer() *Transfer {
	return &Transfer{Message: soap.NewEnvelope("")}
}

// NewObservedTransfer creates a transfer whose response will be forwarded to
// the returned observer channel.
func NewObservedTransfer() (*Transfer, <-chan *soap.Envelope) {
	t := NewTransfer()
	t.Observer = make(chan *soap.Envelope, 1)
	return t, t.Observer
}

// ConnReq is a device's connection-request reachability record.
type ConnReq struct {
	URL      string
	Username string
	Password string
}

// pendingResponse tracks one dispatched transfer awaiting the CPE's answer.
type pendingResponse struct {
	observer chan *soap.Envelope
	expires  time.Time
}

// Device is the per-CPE record held by the registry: last-seen identity, the
// connection-request record and the FIFO queue of pending transfers. Every
// field is guarded by the device's own lock so operations on unrelated
// devices never contend.
type Device struct {
	Serial string

	mutex      sync.Mutex
	identity   soap.DeviceID
	connreq    ConnReq
	transfers  []*Transfer
	pending    map[string]*pendingResponse
	lastInform time.Time

	queueLimit      int
	transferTimeout time.Duration
	delivered       *DeliveredCache
	logger          zerolog.Logger
}

// newDevice allocates a default device record for a serial number.
func newDevice(serial string, connreq ConnReq, queueLimit int, transferTimeout time.Duration, delivered *DeliveredCache, log zerolog.Logger) *Device {
	return &Device{
		Serial:          serial,
		connreq:         connreq,
		pending:         make(map[string]*pendingResponse),
		queueLimit:      queueLimit,
		transferTimeout: transferTimeout,
		delivered:       delivered,
		logger:          log,
	}
}

// Identity returns the last identity block the device reported.
func (d *Device) Identity() soap.DeviceID {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.identity
}

// ConnReq returns the device's connection-request record.
func (d *Device) ConnReq() ConnReq {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.connreq
}

// LastInform returns the time of the device's most recent Inform.
func (d *Device) LastInform() time.Time {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.lastInform
}

// QueueLen returns the number of transfers waiting to be dispatched.
func (d *Device) QueueLen() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.transfers)
}

// PendingLen returns the number of dispatched transfers awaiting a response.
func (d *Device) PendingLen() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

// UpdateIdentity overwrites the stored identity block with the one freshly
// reported by an Inform.
func (d *Device) UpdateIdentity(id soap.DeviceID, informedAt time.Time) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.identity = id
	d.lastInform = informedAt
}

// ScheduleTransfer appends a transfer to the device's FIFO queue. The queue
// is bounded; enqueueing beyond the bound is rejected.
func (d *Device) ScheduleTransfer(t *Transfer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.enqueueLocked(t)
}

func (d *Device) enqueueLocked(t *Transfer) error {
	if d.queueLimit > 0 && len(d.transfers) >= d.queueLimit {
		return fmt.Errorf("%w: %d transfers queued for %s", ErrQueueFull, len(d.transfers), d.Serial)
	}
	d.transfers = append(d.transfers, t)
	return nil
}

// ScheduleSetParameterValues queues a SetParameterValues push and returns the
// observer channel carrying the CPE's eventual response.
func (d *Device) ScheduleSetParameterValues(params map[string]string) (<-chan *soap.Envelope, error) {
	t, observer := NewObservedTransfer()
	spv := t.Message.AddSetParameterValues("")
	for name, value := range params {
		spv.ParameterList.Add(name, "xsd:string", value)
	}
	if err := d.ScheduleTransfer(t); err != nil {
		return nil, err
	}
	return observer, nil
}

// ScheduleGetParameterValues queues a GetParameterValues read and returns the
// observer channel carrying the CPE's eventual response.
func (d *Device) ScheduleGetParameterValues(names ...string) (<-chan *soap.Envelope, error) {
	t, observer := NewObservedTransfer()
	t.Message.AddGetParameterValues(names...)
	if err := d.ScheduleTransfer(t); err != nil {
		return nil, err
	}
	return observer, nil
}

// ReconcileConnReq compares the connection-request URL freshly reported by an
// Inform against the stored one. On divergence the stored URL is replaced and
// exactly one corrective SetParameterValues transfer re-asserting the ACS's
// expected connection-request credentials is queued. A second Inform
// reporting the same URL queues nothing further.
func (d *Device) ReconcileConnReq(reportedURL string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.connreq.URL == reportedURL {
		return false
	}

	d.logger.Info().
		Str("serial", d.Serial).
		Str("reported_url", reportedURL).
		Str("stored_url", d.connreq.URL).
		Msg("Connection-request URL diverged, queueing corrective transfer")

	d.connreq.URL = reportedURL

	t := NewTransfer()
	spv := t.Message.AddSetParameterValues("")
	spv.ParameterList.Add(soap.ParamConnReqUsername, "xsd:string", d.connreq.Username)
	spv.ParameterList.Add(soap.ParamConnReqPassword, "xsd:string", d.connreq.Password)

	if err := d.enqueueLocked(t); err != nil {
		d.logger.Error().
			Str("serial", d.Serial).
			Err(err).
			Msg("Failed to queue corrective transfer")
		return false
	}

	return true
}

// NextTransfer pops the front of the FIFO queue, stamps the message with a
// fresh correlation id and registers the transfer's observer in the pending
// table. It returns nil when the queue is empty. Popping is destructive: the
// transfer is gone from the queue whether or not the CPE ever answers it.
func (d *Device) NextTransfer() *Transfer {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.transfers) == 0 {
		return nil
	}

	t := d.transfers[0]
	d.transfers = d.transfers[1:]

	id := uuid.NewString()
	t.Message.SetID(id)

	if t.Observer != nil {
		d.pending[id] = &pendingResponse{
			observer: t.Observer,
			expires:  time.Now().Add(d.transferTimeout),
		}
	}

	return t
}

// DeliverResponse routes a response envelope to the observer registered for
// its correlation id. Delivery happens at most once per id; the pending entry
// is removed before the send so a duplicate response finds nothing to notify.
func (d *Device) DeliverResponse(env *soap.Envelope) bool {
	d.mutex.Lock()
	p, ok := d.pending[env.ID()]
	if ok {
		delete(d.pending, env.ID())
	}
	d.mutex.Unlock()

	if !ok {
		return false
	}

	d.delivered.Mark(d.Serial, env.ID())

	// The observer channel is buffered; a missing receiver never blocks the
	// session.
	select {
	case p.observer <- env:
	default:
		d.logger.Warn().
			Str("serial", d.Serial).
			Str("correlation_id", env.ID()).
			Msg("Observer gone, dropping response")
	}
	close(p.observer)

	return true
}

// expirePending closes the observers of dispatched transfers whose deadline
// has passed. A closed channel without a send is the "no response" outcome.
func (d *Device) expirePending(now time.Time) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	expired := 0
	for id, p := range d.pending {
		if now.After(p.expires) {
			delete(d.pending, id)
			close(p.observer)
			d.delivered.Mark(d.Serial, id)
			expired++

			d.logger.Warn().
				Str("serial", d.Serial).
				Str("correlation_id", id).
				Msg("Dispatched transfer timed out without a response")
		}
	}
	return expired
}
