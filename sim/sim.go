// Copyright 2025 Openskies Software
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

// Package sim exposes a REST API for driving an insurance node through its
// full lifecycle, including a pool of simulated oracles that answer status
// requests automatically.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openskies-io/surety/flight"
)

// StatusSource produces the status code a simulated oracle reports. The
// default picks a random valid code.
type StatusSource func() flight.StatusCode

type ServerConfig struct {
	ListenAddress string
	StatusSource  StatusSource
}

// Server is the simulation REST API server.
type Server struct {
	config     ServerConfig
	logger     *slog.Logger
	node       Node
	oracles    *oraclePool
	httpServer *http.Server
	mu         sync.Mutex
}

// New creates a new simulation API server instance.
func New(
	cfg ServerConfig,
	node Node,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.New(
			slog.NewJSONHandler(io.Discard, nil),
		)
	}
	logger = logger.With("component", "sim")
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":3000"
	}
	s := &Server{
		config: cfg,
		logger: logger,
		node:   node,
	}
	s.oracles = newOraclePool(s)
	return s
}

// Start starts the HTTP server in a background goroutine.
func (s *Server) Start(
	ctx context.Context,
) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc(
		"POST /v1/setup/airlines",
		s.handleSetupAirlines,
	)
	mux.HandleFunc(
		"POST /v1/setup/flights",
		s.handleSetupFlights,
	)
	mux.HandleFunc(
		"POST /v1/setup/oracles",
		s.handleSetupOracles,
	)
	mux.HandleFunc(
		"POST /v1/insurance",
		s.handleBuyInsurance,
	)
	mux.HandleFunc(
		"GET /v1/insurance",
		s.handleGetInsurance,
	)
	mux.HandleFunc(
		"POST /v1/withdraw",
		s.handleWithdraw,
	)
	mux.HandleFunc(
		"POST /v1/status-request",
		s.handleStatusRequest,
	)
	mux.HandleFunc(
		"GET /v1/flight-status",
		s.handleFlightStatus,
	)

	server := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
	}
	s.httpServer = server
	s.mu.Unlock()

	// Start the server with deterministic error detection
	if err := s.startServer(server); err != nil {
		s.mu.Lock()
		s.httpServer = nil
		s.mu.Unlock()
		return err
	}

	s.logger.Info(
		"simulation API listener started on " +
			s.config.ListenAddress,
	)

	// Monitor context for cancellation
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		srv := s.httpServer
		s.httpServer = nil
		s.mu.Unlock()

		if srv != nil {
			s.logger.Debug(
				"context cancelled, shutting down simulation API server",
			)
			//nolint:contextcheck
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				30*time.Second,
			)
			defer cancel()
			//nolint:contextcheck
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error(
					"failed to shutdown simulation API server on context cancellation",
					"error", err,
				)
			}
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(
	ctx context.Context,
) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv != nil {
		s.logger.Debug(
			"shutting down simulation API server",
		)
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf(
				"failed to shutdown simulation API server: %w",
				err,
			)
		}
	}
	return nil
}

// startServer starts the HTTP server with deterministic error detection. It
// binds the listening socket first so port conflicts are detected
// immediately, then serves in a background goroutine.
func (s *Server) startServer(
	server *http.Server,
) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf(
			"failed to listen for simulation API server: %w",
			err,
		)
	}
	go func() {
		if err := server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(
				"simulation API server error",
				"error", err,
			)
		}
	}()
	return nil
}
