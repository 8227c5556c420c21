package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/prize-wheel/internal/audit"
	"github.com/MJE43/prize-wheel/internal/spin"
	"github.com/MJE43/prize-wheel/internal/store"
)

// HeaderIdempotencyKey lets a client retry a spin without spending another slot.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxBodyBytes = 1 << 16

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleListWheels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, WheelsResponse{Wheels: s.spins.Wheels()})
}

func (s *Server) handleWheelInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	info, err := s.spins.WheelInfo(r.Context(), chi.URLParam(r, "wheelID"), userIDFrom(r.Context()))
	s.monitor.Record("wheel_info", err, time.Since(start))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSpin(w http.ResponseWriter, r *http.Request) {
	var body SpinRequest
	if err := decodeBody(r, &body); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", err.Error())
		return
	}

	start := time.Now()
	res, err := s.spins.Spin(r.Context(), spin.Request{
		UserID:             userIDFrom(r.Context()),
		WheelID:            chi.URLParam(r, "wheelID"),
		IdempotencyKey:     strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		CurrentRotationDeg: body.CurrentRotationDeg,
	})
	s.monitor.Record("spin", err, time.Since(start))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := store.HistoryQuery{
		UserID:  userIDFrom(r.Context()),
		WheelID: chi.URLParam(r, "wheelID"),
	}
	var ok bool
	if q.Page, ok = s.intParam(w, r, "page"); !ok {
		return
	}
	if q.Limit, ok = s.intParam(w, r, "limit"); !ok {
		return
	}

	start := time.Now()
	page, err := s.spins.History(r.Context(), q)
	s.monitor.Record("history", err, time.Since(start))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newHistoryResponse(page))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	wheelID := r.URL.Query().Get("wheelId")
	if wheelID != "" {
		if _, err := s.spins.Catalog().Get(wheelID); err != nil {
			s.errorHandler.HandleError(w, r, err)
			return
		}
	}
	start := time.Now()
	stats, err := s.spins.Stats(r.Context(), userIDFrom(r.Context()), wheelID)
	s.monitor.Record("stats", err, time.Since(start))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if err := decodeBody(r, &body); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", err.Error())
		return
	}
	if body.FinalRotationDeg == nil {
		s.errorHandler.HandleValidationError(w, r, "finalRotationDeg", "finalRotationDeg is required")
		return
	}
	res, err := s.spins.Resolve(chi.URLParam(r, "wheelID"), *body.FinalRotationDeg)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req audit.Request
	if err := decodeBody(r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", err.Error())
		return
	}
	wh, err := s.spins.Catalog().Get(chi.URLParam(r, "wheelID"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if req.TimeoutMs <= 0 || time.Duration(req.TimeoutMs)*time.Millisecond > s.auditTimeout {
		req.TimeoutMs = int(s.auditTimeout / time.Millisecond)
	}

	start := time.Now()
	rep, err := s.auditor.Run(r.Context(), wh, req)
	s.monitor.Record("audit", err, time.Since(start))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AuditResponse{Report: rep, Version: Version})
}

// intParam reads an optional positive integer query parameter; zero means unset.
func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		s.errorHandler.HandleValidationError(w, r, name, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}
