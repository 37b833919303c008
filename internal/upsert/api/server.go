// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package api implements the HTTP surface of the upsert service. It decodes
// record batches, runs them through the core engine and maps engine errors
// onto HTTP status codes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// DefaultMaxBodyBytes bounds the size of an upsert request body.
const DefaultMaxBodyBytes = 32 << 20

// Server handles the HTTP requests for the upsert service.
type Server struct {
	svc          *core.Service
	defaults     core.Options
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewServer creates a server over svc. Per-request option overrides are
// applied on top of defaults.
func NewServer(svc *core.Service, defaults core.Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{svc: svc, defaults: defaults, logger: logger, maxBodyBytes: DefaultMaxBodyBytes}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upsert", s.handleUpsert)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// UpsertRequest is the body of POST /upsert.
type UpsertRequest struct {
	Records []kvupsert.Record `json:"records"`
	Options *OptionsOverride  `json:"options,omitempty"`
}

// OptionsOverride carries per-request option overrides; absent fields keep
// the server defaults.
type OptionsOverride struct {
	BatchSize        *int   `json:"batch_size,omitempty"`
	DisableBatching  *bool  `json:"disable_batching,omitempty"`
	CheckConcurrency *int   `json:"check_concurrency,omitempty"`
	WriteConcurrency *int   `json:"write_concurrency,omitempty"`
	ExistencePolicy  string `json:"existence_policy,omitempty"`  // fail-fast or best-effort
	ValidationPolicy string `json:"validation_policy,omitempty"` // reject or report
	Timeout          string `json:"timeout,omitempty"`           // Go duration, e.g. "30s"
}

// Apply returns base with the overrides set in o.
func (o *OptionsOverride) Apply(base core.Options) (core.Options, error) {
	if o == nil {
		return base, nil
	}
	if o.BatchSize != nil {
		base.BatchSize = *o.BatchSize
	}
	if o.DisableBatching != nil {
		base.DisableBatching = *o.DisableBatching
	}
	if o.CheckConcurrency != nil {
		base.CheckConcurrency = *o.CheckConcurrency
	}
	if o.WriteConcurrency != nil {
		base.WriteConcurrency = *o.WriteConcurrency
	}
	if o.ExistencePolicy != "" {
		p, err := core.ParseExistencePolicy(o.ExistencePolicy)
		if err != nil {
			return base, err
		}
		base.ExistencePolicy = p
	}
	if o.ValidationPolicy != "" {
		p, err := core.ParseValidationPolicy(o.ValidationPolicy)
		if err != nil {
			return base, err
		}
		base.ValidationPolicy = p
	}
	if o.Timeout != "" {
		d, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return base, errors.Wrap(err, "parsing timeout")
		}
		base.Timeout = d
	}
	return base, nil
}

// ErrorResponse is the body of every non-200 response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"` // bad_request, validation, check_phase, timeout, internal
	Index *int   `json:"index,omitempty"`
	Key   string `json:"key,omitempty"`
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req UpsertRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body: " + err.Error(), Kind: "bad_request"})
		return
	}
	opts, err := req.Options.Apply(s.defaults)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	res, err := s.svc.UpsertWithOptions(r.Context(), req.Records, opts)
	if err != nil {
		status, body := errorResponse(err)
		s.logger.Warn("Upsert request failed", "status", status, "records", len(req.Records), "error", err, "duration", time.Since(start))
		writeJSON(w, status, body)
		return
	}
	s.logger.Info("Upsert request served", "call_id", res.CallID, "records", res.Total, "written", res.Written,
		"skipped", res.Skipped, "failed", res.Failed, "duration", time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// errorResponse maps an engine error onto a status code and body.
func errorResponse(err error) (int, ErrorResponse) {
	var (
		ve *kvupsert.ValidationError
		oe *core.OptionsError
		ce *core.CheckPhaseError
	)
	switch {
	case errors.As(err, &ve):
		idx := ve.Index
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "validation", Index: &idx, Key: ve.Key}
	case errors.As(err, &oe):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: err.Error(), Kind: "timeout"}
	case errors.As(err, &ce):
		return http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "check_phase", Key: ce.Key}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: "internal"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves the routes on addr until ctx is done, then shuts
// down gracefully, waiting up to grace for in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Upsert API server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down upsert API server", "grace", grace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
