package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-agent/internal/journal"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 2 * time.Second

// handleHealth runs the component checks. Any failure turns the answer into
// 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	respondJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.session.SessionState())
}

// resourceView is one resource as the API shows it.
type resourceView struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	Value   any    `json:"value"`
}

func viewOf(n resource.Node) resourceView {
	return resourceView{Name: n.Name(), Version: n.Version(), Value: n.Snapshot()}
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	names := s.resources.Names()
	out := make([]resourceView, 0, len(names))
	for _, name := range names {
		n, err := s.resources.Get(name)
		if err != nil {
			continue
		}
		out = append(out, viewOf(n))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"resources": out,
		"count":     len(out),
	})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := s.resources.Get(name)
	if errors.Is(err, resource.ErrNotFound) {
		respondError(w, http.StatusNotFound, "resource not found: "+name)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read resource")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(n))
}

// handleListJournal returns journal entries, newest first.
//
// Query parameters:
//   - action: filter by action (manage, unmanage, request, command, publish_failed)
//   - req_id: filter by request id
//   - since: RFC3339 lower bound on created_at
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Action: q.Get("action"),
		ReqID:  q.Get("req_id"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list journal entries", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list journal entries")
		return
	}

	respondJSON(w, http.StatusOK, result)
}
