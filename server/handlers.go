package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
	"github.com/acehq/ace/version"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// handleHealth reports liveness plus queue statistics
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.GetStats()
	if err != nil {
		s.logger.Warnw("Failed to get job stats for health check", "error", err)
	}

	resp := map[string]interface{}{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if stats != nil {
		resp["jobs"] = stats
	}

	writeJSON(w, http.StatusOK, resp)
}

type createPlaybookRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// handleCreatePlaybook creates a playbook. With content it also publishes
// the seed version; without, the first evolution publishes version 1.
func (s *Server) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	owner := caller(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "Missing "+CallerHeader+" header")
		return
	}

	var req createPlaybookRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Playbook name is required")
		return
	}

	pb := playbook.New(owner, req.Name, req.Description)
	seed, err := s.playbooks.Create(pb, req.Content)
	if err != nil {
		handleError(w, s.logger, err, "failed to create playbook")
		return
	}

	s.logger.Infow("Playbook created",
		"playbook_id", shortID(pb.ID),
		"owner", owner,
		"name", req.Name,
	)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"playbook":     pb,
		"seed_version": seed,
	})
}

// handleListPlaybooks lists active playbooks
func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := s.playbooks.ListActive()
	if err != nil {
		handleError(w, s.logger, err, "failed to list playbooks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"playbooks": playbooks,
		"count":     len(playbooks),
	})
}

// handleGetPlaybook returns one playbook with its active job, if any
func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pb, err := s.playbooks.Get(id)
	if err != nil {
		handleError(w, s.logger, err, "failed to get playbook")
		return
	}

	resp := map[string]interface{}{"playbook": pb}
	if active, err := s.jobs.GetActiveJob(id); err == nil && active != nil {
		resp["active_job"] = active
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleArchivePlaybook retires a playbook from evolution
func (s *Server) handleArchivePlaybook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.playbooks.Archive(id); err != nil {
		handleError(w, s.logger, err, "failed to archive playbook")
		return
	}

	s.logger.Infow("Playbook archived", "playbook_id", shortID(id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// handleListVersions lists a playbook's version history
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// 404 for unknown playbooks rather than an empty list
	if _, err := s.playbooks.Get(id); err != nil {
		handleError(w, s.logger, err, "failed to get playbook")
		return
	}

	versions, err := s.versions.ListByPlaybook(id)
	if err != nil {
		handleError(w, s.logger, err, "failed to list versions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

type reportOutcomeRequest struct {
	TaskDescription string `json:"task_description"`
	OutcomeStatus   string `json:"outcome_status"`
	ReasoningTrace  string `json:"reasoning_trace"`
	Notes           string `json:"notes"`
}

// handleReportOutcome appends an outcome to the playbook's ledger
func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req reportOutcomeRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if req.TaskDescription == "" {
		writeError(w, http.StatusBadRequest, "task_description is required")
		return
	}
	if !outcome.IsValidStatus(req.OutcomeStatus) {
		writeError(w, http.StatusBadRequest, "outcome_status must be success, failure, or partial")
		return
	}

	if _, err := s.playbooks.Get(id); err != nil {
		handleError(w, s.logger, err, "failed to get playbook")
		return
	}

	o := outcome.New(id, req.TaskDescription, outcome.OutcomeStatus(req.OutcomeStatus))
	o.ReasoningTrace = req.ReasoningTrace
	o.Notes = req.Notes

	if err := s.outcomes.Report(o); err != nil {
		handleError(w, s.logger, err, "failed to report outcome")
		return
	}

	writeJSON(w, http.StatusCreated, o)
}

// handleTriggerEvolution requests evolution for a playbook. Idempotent: a
// second trigger while a job is active returns that job with is_new false.
func (s *Server) handleTriggerEvolution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.coordinator.Trigger(r.Context(), caller(r), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to trigger evolution")
		return
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusAccepted
	}

	writeJSON(w, status, map[string]interface{}{
		"job_id": result.Job.ID,
		"status": result.Job.Status,
		"is_new": result.IsNew,
	})
}

// handleListPlaybookJobs lists a playbook's evolution history
func (s *Server) handleListPlaybookJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)

	jobs, err := s.jobs.ListByPlaybook(id, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleListJobs lists evolution jobs, optionally filtered by status
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)

	var status *evolution.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !evolution.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "Invalid job status: "+raw)
			return
		}
		js := evolution.JobStatus(raw)
		status = &js
	}

	jobs, err := s.jobs.ListJobs(status, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns one evolution job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleUsage reports engine spend over the last 24h plus budget headroom
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tracker.GetStats(time.Now().Add(-24 * time.Hour))
	if err != nil {
		handleError(w, s.logger, err, "failed to get usage stats")
		return
	}

	resp := map[string]interface{}{
		"since": "24h",
		"usage": stats,
	}

	if s.budget != nil {
		if status, err := s.budget.GetStatus(); err == nil {
			resp["budget"] = status
		} else {
			s.logger.Warnw("Failed to get budget status", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseIntQueryParam parses an integer query parameter with bounds
func parseIntQueryParam(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}
