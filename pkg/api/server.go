// Package api exposes the ingress HTTP surface: request submission, batch
// and request inspection, operator cancel/redeliver, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/builder"
	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// Store is the read surface the API serves from.
type Store interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*types.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*types.Batch, error)
	ListTransitions(ctx context.Context, batchID uuid.UUID) ([]types.BatchTransition, error)
	ListRequests(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*types.Request, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*types.Request, error)
	ListDeliveryAttempts(ctx context.Context, requestID uuid.UUID) ([]types.RequestDeliveryAttempt, error)
}

// Submitter accepts one request submission.
type Submitter interface {
	AddRequest(ctx context.Context, params builder.SubmitParams) (*types.Request, error)
}

// Lifecycle exposes the operator actions on batches.
type Lifecycle interface {
	CancelBatch(ctx context.Context, batchID uuid.UUID) error
	Redeliver(ctx context.Context, batchID uuid.UUID) error
}

// Server is the ingress HTTP server.
type Server struct {
	store     Store
	submitter Submitter
	lifecycle Lifecycle
	logger    *zap.Logger
}

// NewServer wires the API against its collaborators.
func NewServer(store Store, submitter Submitter, lifecycle Lifecycle, logger *zap.Logger) *Server {
	return &Server{store: store, submitter: submitter, lifecycle: lifecycle, logger: logger}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", s.submitRequest)
		r.Get("/requests/{id}", s.getRequest)
		r.Get("/requests/{id}/attempts", s.listDeliveryAttempts)

		r.Get("/batches", s.listBatches)
		r.Get("/batches/{id}", s.getBatch)
		r.Get("/batches/{id}/requests", s.listBatchRequests)
		r.Get("/batches/{id}/transitions", s.listBatchTransitions)
		r.Post("/batches/{id}/cancel", s.cancelBatch)
		r.Post("/batches/{id}/redeliver", s.redeliverBatch)
	})

	return r
}

type submitRequestBody struct {
	URL            string               `json:"url"`
	Model          string               `json:"model"`
	CustomID       string               `json:"custom_id"`
	RequestPayload json.RawMessage      `json:"request_payload"`
	DeliveryConfig types.DeliveryConfig `json:"delivery_config"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, apperrors.ErrInvalidPayload("request body is not valid JSON").WithCause(err))
		return
	}

	req, err := s.submitter.AddRequest(r.Context(), builder.SubmitParams{
		URL:            body.URL,
		Model:          body.Model,
		CustomID:       body.CustomID,
		RequestPayload: body.RequestPayload,
		DeliveryConfig: body.DeliveryConfig,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) listDeliveryAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	attempts, err := s.store.ListDeliveryAttempts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	batches, err := s.store.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	batch, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) listBatchRequests(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	reqs, err := s.store.ListRequests(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) listBatchTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	transitions, err := s.store.ListTransitions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.lifecycle.CancelBatch(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) redeliverBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.lifecycle.Redeliver(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "redelivering"})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, apperrors.ErrInvalidPayload("id is not a valid uuid"))
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var berr *apperrors.BrokerError
	if !errors.As(err, &berr) {
		s.logger.Error("request failed", zap.Error(err))
		berr = apperrors.ErrInternal("internal error")
	}

	status := berr.StatusCode
	if status == 0 {
		switch {
		case berr.Code == apperrors.ErrCodeDuplicateCustomID:
			status = http.StatusConflict
		case apperrors.IsValidation(err):
			status = http.StatusBadRequest
		case apperrors.IsInvalidTransition(err):
			status = http.StatusConflict
		case apperrors.IsRetryable(err):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]any{"error": berr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
