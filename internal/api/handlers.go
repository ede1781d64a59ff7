package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bobarin/storyteller/internal/models"
	"github.com/bobarin/storyteller/internal/pipeline"
)

const maxRequestBody = 1 << 20

// Renderer is the orchestrator surface the HTTP layer needs.
type Renderer interface {
	Submit(ctx context.Context, req models.RenderRequest) (string, error)
	Status(ctx context.Context, id string) (*models.Job, error)
	Result(ctx context.Context, id string) (*models.Job, error)
}

type Handler struct {
	renderer Renderer
}

func NewHandler(renderer Renderer) *Handler {
	return &Handler{renderer: renderer}
}

// CreateRender handles POST /v1/render
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req models.RenderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.renderer.Submit(r.Context(), req)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		log.Printf("[API] Failed to submit render: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create render job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateRenderResponse{
		JobID:  id,
		Status: models.JobStatusPending,
	})
}

// GetRender handles GET /v1/render/{id}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.renderer.Status(r.Context(), id)
	if err != nil {
		h.lookupError(w, id, err)
		return
	}

	respondJSON(w, http.StatusOK, models.RenderStatusResponse{
		JobID:  job.ID,
		Status: job.Status,
		Error:  job.Error,
	})
}

// GetRenderResult handles GET /v1/render/{id}/result
func (h *Handler) GetRenderResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.renderer.Result(r.Context(), id)
	if errors.Is(err, pipeline.ErrJobPending) {
		respondJSON(w, http.StatusConflict, models.RenderStatusResponse{
			JobID:  id,
			Status: models.JobStatusPending,
			Error:  "render is not finished yet",
		})
		return
	}
	if err != nil {
		h.lookupError(w, id, err)
		return
	}

	respondJSON(w, http.StatusOK, models.RenderStatusResponse{
		JobID:  job.ID,
		Status: job.Status,
		Error:  job.Error,
		Result: job.Result,
	})
}

func (h *Handler) lookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, models.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Render %s not found", id))
		return
	}
	log.Printf("[API] Failed to load render %s: %v", id, err)
	respondError(w, http.StatusInternalServerError, "Failed to load render job")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
