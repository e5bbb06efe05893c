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
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"acsd/internal/logger"
)

// sessionKey carries the per-connection Session through request contexts.
type sessionKeyType struct{}

var sessionKey sessionKeyType

// Server is the ACS HTTP front end: one listener, one handler path, and a
// per-connection Session feeding the state machine.
type Server struct {
	config    *Config
	registry  *Registry
	store     *Store
	server    *http.Server
	basicAuth string
	logger    zerolog.Logger
}

// NewServer creates the ACS server, opening the device inventory store and
// hydrating the registry from it.
func NewServer(config *Config) (*Server, error) {
	store, err := NewStore(config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	registry := NewRegistry(config, store)
	if err := registry.Hydrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to hydrate registry: %w", err)
	}

	return &Server{
		config:    config,
		registry:  registry,
		store:     store,
		basicAuth: config.BasicAuth(),
		logger:    logger.New(),
	}, nil
}

// Registry exposes the device registry, the producer contract an operator
// interface schedules transfers through.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler builds the HTTP routing for the CWMP endpoint. Every path other
// than the CPE management endpoint is forbidden.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)

	router.HandleFunc(CPEManagementPath, s.handleCWMP).Methods("POST")
	router.NotFoundHandler = s.loggingMiddleware(http.HandlerFunc(handleForbidden))
	router.MethodNotAllowedHandler = s.loggingMiddleware(http.HandlerFunc(handleForbidden))

	return router
}

// Close releases the server's resources.
func (s *Server) Close() error {
	s.registry.Stop()
	return s.store.Close()
}

// Run starts the listener and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	s.registry.Start()
	defer s.Close()

	timeout := s.config.GetServerTimeout()
	s.server = &http.Server{
		Addr:         s.config.Server.Address,
		Handler:      s.Handler(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
		// One Session per physical connection; protocol correctness never
		// depends on connection reuse, but a contiguous Inform/poll exchange
		// rides the same connection in practice.
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, sessionKey, NewSession(s.registry, s.basicAuth))
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("address", s.config.Server.Address).
			Bool("tls", s.config.Server.TLS.Enabled).
			Msg("Starting CWMP listener")

		if s.config.Server.TLS.Enabled {
			errCh <- s.server.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
		} else {
			errCh <- s.server.ListenAndServe()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listener failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		s.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	s.logger.Info().Msg("ACS server stopped")
	return nil
}

// handleCWMP hands one request to its connection's Session. Requests that
// arrive without a connection-scoped session (as in tests exercising the
// handler directly) get a transient one.
func (s *Server) handleCWMP(w http.ResponseWriter, r *http.Request) {
	sess, ok := r.Context().Value(sessionKey).(*Session)
	if !ok {
		sess = NewSession(s.registry, s.basicAuth)
	}
	sess.Handle(w, r)
}

// handleForbidden rejects requests outside the CPE management endpoint.
func handleForbidden(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusForbidden, "Forbidden\n")
}

// loggingMiddleware logs every CWMP exchange.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("CWMP request")
	})
}
