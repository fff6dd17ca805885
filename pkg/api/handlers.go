package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/manifest"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/worker"
)

// handleSubmit validates a submission and publishes it. The log append is the
// commit point: nothing is published on a validation failure, and the record
// insert afterwards is best effort because the worker can recreate it from
// the log entry alone.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.ContextLogger(ctx, s.logger)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrKindValidation, "malformed request body: "+err.Error())
		return
	}
	if req.ArtifactURL == "" {
		s.writeError(w, http.StatusBadRequest, ErrKindValidation, "artifact_url is required")
		return
	}

	m, err := manifest.Validate(req.Manifest)
	if err != nil {
		resp := ErrorResponse{Error: err.Error(), Kind: ErrKindValidation}
		var ve *manifest.ValidationError
		if errors.As(err, &ve) {
			resp.Violations = ve.Violations
		}
		observability.DeploymentsSubmittedTotal.WithLabelValues("rejected").Inc()
		s.record(ctx, observability.NewDeploymentRejectedEvent(req.AgentName, err.Error()))
		logger.Info("Submission rejected", zap.String("agent", req.AgentName), zap.Error(err))
		s.writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	agentName := req.AgentName
	if agentName == "" {
		agentName = m.Name
	} else if agentName != m.Name {
		s.writeError(w, http.StatusBadRequest, ErrKindValidation,
			fmt.Sprintf("agent_name %q does not match manifest name %q", agentName, m.Name))
		return
	}
	version := req.Version
	if version == "" {
		version = m.Version
	}

	id := uuid.NewString()
	ev := &eventlog.Event{
		Type:         eventlog.TypeDeploy,
		DeploymentID: id,
		AgentName:    agentName,
		Version:      version,
		ArtifactURL:  req.ArtifactURL,
		Manifest:     req.Manifest,
	}
	if err := s.log.Append(ctx, ev); err != nil {
		logger.Error("Event append failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, ErrKindInternal, "failed to enqueue deployment")
		return
	}
	observability.EventsAppendedTotal.WithLabelValues(string(eventlog.TypeDeploy)).Inc()

	rec := &deployment.Record{ID: id, AgentName: agentName, Version: version, ArtifactURL: req.ArtifactURL}
	if err := s.store.Create(ctx, rec); err != nil && !errors.Is(err, deployment.ErrAlreadyExists) {
		logger.Warn("Record creation failed, worker will create it from the log entry", zap.Error(err))
	}

	observability.DeploymentsSubmittedTotal.WithLabelValues("accepted").Inc()
	s.record(ctx, observability.NewDeploymentSubmittedEvent(id, agentName, version))
	logger.Info("Deployment submitted",
		zap.String("deployment_id", id),
		zap.String("agent", agentName),
		zap.String("version", version),
	)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{DeploymentID: id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, ErrKindNotFound, fmt.Sprintf("deployment %q not found", id))
			return
		}
		s.internalError(w, r, "Record lookup failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDeploymentView(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, ErrKindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.store.List(r.Context(), r.URL.Query().Get("agent"), limit)
	if err != nil {
		s.internalError(w, r, "Record listing failed", err)
		return
	}

	views := make([]DeploymentView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, NewDeploymentView(rec))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleCancel publishes a cancel event for a deployment that has not already
// failed. Cancelling an active deployment is allowed and rolls its route back.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, ErrKindNotFound, fmt.Sprintf("deployment %q not found", id))
			return
		}
		s.internalError(w, r, "Record lookup failed", err)
		return
	}
	if rec.State == deployment.StateFailed {
		s.writeError(w, http.StatusConflict, ErrKindConflict,
			fmt.Sprintf("deployment %q is already in a terminal failed state", id))
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, ErrKindValidation, "malformed request body: "+err.Error())
		return
	}

	ev := &eventlog.Event{
		Type:         eventlog.TypeCancel,
		DeploymentID: id,
		AgentName:    rec.AgentName,
		Reason:       req.Reason,
	}
	if err := s.log.Append(ctx, ev); err != nil {
		s.internalError(w, r, "Event append failed", err)
		return
	}
	observability.EventsAppendedTotal.WithLabelValues(string(eventlog.TypeCancel)).Inc()

	observability.ContextLogger(ctx, s.logger).Info("Cancellation requested",
		zap.String("deployment_id", id),
		zap.String("reason", req.Reason),
	)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{DeploymentID: id})
}

func (s *Server) handleLatestActive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := s.store.LatestActive(r.Context(), name)
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, ErrKindNotFound,
				fmt.Sprintf("no active deployment for agent %q", name))
			return
		}
		s.internalError(w, r, "Active record lookup failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDeploymentView(rec))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, []worker.Info{})
		return
	}
	workers, err := s.registry.List(r.Context())
	if err != nil {
		s.internalError(w, r, "Worker listing failed", err)
		return
	}
	if workers == nil {
		workers = []worker.Info{}
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSON(w, http.StatusOK, []observability.Event{})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, ErrKindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	filter := observability.EventFilter{
		ResourceID: r.URL.Query().Get("deployment_id"),
		Limit:      limit,
	}
	s.writeJSON(w, http.StatusOK, s.events.GetEvents(filter))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	observability.ContextLogger(r.Context(), s.logger).Error(msg, zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, ErrKindInternal, "internal error")
}

func (s *Server) record(ctx context.Context, ev observability.Event) {
	if s.events != nil {
		s.events.RecordEvent(ctx, ev)
	}
}
