package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
	"github.com/ternarybob/quill/internal/services/pipeline"
)

// PipelineHandler exposes the optimization pipeline over HTTP.
type PipelineHandler struct {
	pipeline *pipeline.Service
	logger   arbor.ILogger
}

func NewPipelineHandler(svc *pipeline.Service, logger arbor.ILogger) *PipelineHandler {
	return &PipelineHandler{
		pipeline: svc,
		logger:   logger,
	}
}

type processRequest struct {
	ItemID          string   `json:"item_id"`
	ItemIDs         []string `json:"item_ids"`
	TargetModels    []string `json:"target_models"`
	SkipIfOptimized bool     `json:"skip_if_optimized"`
	ForceReprocess  bool     `json:"force_reprocess"`
	Priority        string   `json:"priority"`
}

func (req *processRequest) options() (pipeline.ProcessOptions, error) {
	priority := models.JobPriority(req.Priority)
	if req.Priority != "" && !priority.IsValid() {
		return pipeline.ProcessOptions{}, fmt.Errorf("unknown priority: %s", req.Priority)
	}
	return pipeline.ProcessOptions{
		TargetModels:    req.TargetModels,
		SkipIfOptimized: req.SkipIfOptimized,
		ForceReprocess:  req.ForceReprocess,
		Priority:        priority,
	}, nil
}

// ProcessHandler enqueues one item's job bundle.
func (h *PipelineHandler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID == "" {
		WriteError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	opts, err := req.options()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.pipeline.ProcessItem(r.Context(), req.ItemID, opts)
	if err != nil {
		if errors.Is(err, interfaces.ErrItemNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// BatchHandler enqueues bundles for a set of items.
func (h *PipelineHandler) BatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ItemIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "item_ids is required")
		return
	}
	opts, err := req.options()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.pipeline.ProcessBatch(r.Context(), req.ItemIDs, opts)
	WriteJSON(w, http.StatusOK, result)
}

// DedupeHandler starts a deduplication scan for a user's items.
func (h *PipelineHandler) DedupeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req struct {
		UserID       string `json:"user_id"`
		CollectionID string `json:"collection_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	jobID, err := h.pipeline.RunDeduplication(r.Context(), req.UserID, req.CollectionID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

// StatusHandler returns recent job counts and records for a user.
func (h *PipelineHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	status, err := h.pipeline.GetPipelineStatus(r.Context(), userID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// ConfigHandler reads or updates the pipeline configuration.
func (h *PipelineHandler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		WriteJSON(w, http.StatusOK, h.pipeline.GetConfig())
	case "PUT":
		var partial map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		updated := h.pipeline.UpdateConfig(partial)
		h.logger.Info().Int("keys", len(partial)).Msg("Pipeline configuration updated")
		WriteJSON(w, http.StatusOK, updated)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
