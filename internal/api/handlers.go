package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientID returns the caller's id or writes 401.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	client := strings.TrimSpace(r.Header.Get(s.identityHeader))
	if client == "" {
		writeError(w, http.StatusUnauthorized, "missing_client", s.identityHeader+" header required")
		return "", false
	}
	return client, true
}

// handleResources lists the configured spots without lease or queue state.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.engine.Resources(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleListSpots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.engine.Snapshots(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetSpot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type acquireRequest struct {
	Duration      string   `json:"duration"`
	DurationHours *float64 `json:"duration_hours"`
}

var errMissingDuration = errors.New(`body must carry "duration" (e.g. "2h") or "duration_hours"`)

func (req acquireRequest) duration() (time.Duration, error) {
	if req.Duration != "" {
		return time.ParseDuration(req.Duration)
	}
	if req.DurationHours != nil {
		h := *req.DurationHours
		if math.IsNaN(h) || math.IsInf(h, 0) || h > math.MaxInt64/float64(time.Hour) {
			return 0, errors.New("duration_hours out of range")
		}
		return time.Duration(h * float64(time.Hour)), nil
	}
	return 0, errMissingDuration
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientID(w, r)
	if !ok {
		return
	}

	var req acquireRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "body exceeds 1MB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be JSON")
		return
	}
	d, err := req.duration()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_duration", err.Error())
		return
	}

	res, err := s.engine.Acquire(r.Context(), r.PathValue("id"), client, d)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !res.OK() {
		writeRejection(w, res.Reason)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientID(w, r)
	if !ok {
		return
	}

	res, err := s.engine.Release(r.Context(), r.PathValue("id"), client)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !res.OK() {
		writeRejection(w, res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientID(w, r)
	if !ok {
		return
	}

	res, err := s.engine.Enqueue(r.Context(), r.PathValue("id"), client)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !res.OK() {
		writeRejection(w, res.Reason)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientID(w, r)
	if !ok {
		return
	}

	res, err := s.engine.Dequeue(r.Context(), r.PathValue("id"), client)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !res.OK() {
		writeRejection(w, res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dequeued"})
}

// handlePromotion always answers 200: not being eligible is the answer, not a failure.
func (s *Server) handlePromotion(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientID(w, r)
	if !ok {
		return
	}

	res, err := s.engine.CheckPromotion(r.Context(), r.PathValue("id"), client)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.engine.ActiveLeases(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leases)
}

func (s *Server) handleSpotWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Waitlist(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWaitlists(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Waitlists(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientID(w, r)
	if !ok {
		return
	}

	status, err := s.engine.ClientStatus(r.Context(), client)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Dashboard(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
