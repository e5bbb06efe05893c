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
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"acsd/internal/logger"
	"acsd/internal/soap"
)

// CPEManagementPath is the only path CPEs may talk to.
const CPEManagementPath = "/cwmpWeb/CPEMgt"

// Session is the transient per-exchange state of one CPE conversation. It
// holds the device resolved by the most recent Inform so that the empty-body
// polls that follow within the same exchange can be attributed to it.
// Cross-request continuity (observer routing) lives in the device record's
// pending table, never in the session.
type Session struct {
	registry  *Registry
	basicAuth string
	device    *Device
	id        string
	logger    zerolog.Logger
}

// NewSession creates a session bound to the registry and the shared CPE
// credential.
func NewSession(registry *Registry, basicAuth string) *Session {
	return &Session{
		registry:  registry,
		basicAuth: basicAuth,
		logger:    logger.New(),
	}
}

// Handle processes one inbound CPE request and writes the HTTP reply. It is
// total: internal failures degrade to a 500 reply, never a dropped
// transaction.
func (s *Session) Handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != CPEManagementPath {
		reply(w, http.StatusForbidden, "Forbidden\n")
		return
	}

	s.checkAuthorization(w, r)
}

// checkAuthorization gates every exchange on the shared HTTP Basic secret,
// compared verbatim against the Authorization header value.
func (s *Session) checkAuthorization(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		s.logger.Debug().Msg("CPE request without credentials, challenging")
		w.Header().Set("User-Agent", serverAgent)
		w.Header().Set("WWW-Authenticate", `Basic realm="acsd"`)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "Authorization required\n")
		return
	}

	if auth != s.basicAuth {
		s.logger.Warn().Msg("CPE request with wrong credentials")
		reply(w, http.StatusForbidden, "Forbidden\n")
		return
	}

	s.handleRequest(w, r)
}

// handleRequest classifies one authenticated CWMP exchange and reacts to it.
func (s *Session) handleRequest(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		replyError(w, s.logger, err)
		return
	}

	// An empty body is the CPE polling for work.
	if len(content) == 0 {
		s.checkTransfers(w)
		return
	}

	env, err := soap.Parse(content)
	if err != nil {
		// Malformed input is dropped, never a hard error; CPEs retry or move on.
		s.logger.Warn().
			Err(err).
			Int("content_length", len(content)).
			Msg("Failed to parse SOAP envelope")
		reply(w, http.StatusNoContent, "")
		return
	}

	switch {
	case env.Inform() != nil:
		s.handleInform(w, env)
		return

	case env.GPVResponse() != nil:
		s.logger.Info().
			Str("correlation_id", env.ID()).
			Int("parameter_count", len(env.GPVResponse().ParameterList.Parameters)).
			Msg("GetParameterValues response received")

	case env.SPVResponse() != nil:
		s.logger.Info().
			Str("correlation_id", env.ID()).
			Int("status", env.SPVResponse().Status).
			Msg("SetParameterValues response received")

	default:
		s.logger.Warn().
			Str("correlation_id", env.ID()).
			Msg("Unrecognized CWMP message, ignoring")
		reply(w, http.StatusNoContent, "")
		return
	}

	s.forwardResponse(env)

	// Every completed exchange ends by offering the device its next piece of
	// work, mirroring the empty-body poll.
	s.checkTransfers(w)
}

// handleInform registers or refreshes the device announced by an Inform,
// reconciles its connection-request record and acknowledges the message.
func (s *Session) handleInform(w http.ResponseWriter, env *soap.Envelope) {
	inform := env.Inform()
	serial := inform.DeviceID.SerialNumber

	s.logger.Info().
		Str("serial", serial).
		Str("correlation_id", env.ID()).
		Msg("Inform received")

	for _, code := range inform.EventCodes() {
		s.logger.Debug().
			Str("serial", serial).
			Str("event", code).
			Msg("Inform event")
	}

	connreqURL, ok := inform.ConnectionRequestURL()
	if !ok {
		s.logger.Warn().
			Str("serial", serial).
			Msg("Inform without connection-request URL, ignoring")
		reply(w, http.StatusNoContent, "")
		return
	}

	s.id = env.ID()

	dev := s.registry.ResolveOrCreate(serial)
	dev.UpdateIdentity(inform.DeviceID, time.Now())
	dev.ReconcileConnReq(connreqURL)
	s.registry.Persist(dev)

	s.device = dev

	response := soap.NewEnvelope(env.ID())
	response.AddInformResponse()
	replyXML(w, s.logger, response)
}

// forwardResponse routes a response envelope to whoever is observing its
// correlation id. Delivery failure is logged, never propagated.
func (s *Session) forwardResponse(env *soap.Envelope) {
	if s.device == nil {
		s.logger.Debug().
			Str("correlation_id", env.ID()).
			Msg("Response from unbound session, nothing to notify")
		return
	}

	if s.device.DeliverResponse(env) {
		return
	}

	if s.registry.Delivered().Seen(s.device.Serial, env.ID()) {
		s.logger.Debug().
			Str("serial", s.device.Serial).
			Str("correlation_id", env.ID()).
			Msg("Duplicate response for already-resolved transfer, dropping")
		return
	}

	s.logger.Debug().
		Str("serial", s.device.Serial).
		Str("correlation_id", env.ID()).
		Msg("Response without a matching observer")
}

// checkTransfers performs the queue consumption step: dispatch the device's
// next pending transfer, or tell the CPE there is nothing for it.
func (s *Session) checkTransfers(w http.ResponseWriter) {
	if s.device == nil {
		s.logger.Debug().Msg("Unknown CPE polling, replying no content")
		reply(w, http.StatusNoContent, "")
		return
	}

	t := s.device.NextTransfer()
	if t == nil {
		s.logger.Debug().
			Str("serial", s.device.Serial).
			Msg("No pending transfer, replying no content")
		reply(w, http.StatusNoContent, "")
		return
	}

	s.id = t.Message.ID()

	s.logger.Info().
		Str("serial", s.device.Serial).
		Str("correlation_id", t.Message.ID()).
		Msg("Dispatching pending transfer")

	replyXML(w, s.logger, t.Message)
}
