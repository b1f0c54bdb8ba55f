package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"deal-aggregation-core/internal/analytics"
	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/features"
	"deal-aggregation-core/internal/models"
	"deal-aggregation-core/internal/orchestrator"
	"deal-aggregation-core/internal/quality"
	"deal-aggregation-core/internal/simulate"
	"deal-aggregation-core/internal/validation"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler provides the HTTP admin and ingest surface.
type Handler struct {
	orch        *orchestrator.Orchestrator
	publisher   events.Publisher
	flags       *features.Manager
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 10 << 20, // 10MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(orch *orchestrator.Orchestrator, publisher events.Publisher, flags *features.Manager) *Handler {
	return NewHandlerWithOptions(orch, publisher, flags, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(orch *orchestrator.Orchestrator, publisher events.Publisher, flags *features.Manager, opts NewHandlerOptions) *Handler {
	return &Handler{
		orch:        orch,
		publisher:   publisher,
		flags:       flags,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes mounts every endpoint on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
	r.Get("/events", h.Events)

	r.Route("/deals", func(r chi.Router) {
		r.Get("/trending", h.TrendingDeals)
		r.Get("/{deal_id}", h.GetDeal)
		r.Post("/{deal_id}/reports", h.ReportDeal)
		r.Post("/{deal_id}/track/{kind}", h.TrackEngagement)
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/{user_id}/preferences", h.SetPreferences)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/{provider_id}/deals", h.IngestDeal)
	})

	r.Route("/metrics", func(r chi.Router) {
		r.Get("/export", h.ExportState)
		r.Post("/import", h.ImportState)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/providers/{provider_id}/poll", h.TriggerPoll)
		r.Post("/events/{event_id}/republish", h.RepublishEvent)
		r.Get("/features", h.ListFeatures)
		r.Post("/features/{name}", h.SetFeature)
		r.Post("/chaos", h.SetChaos)
		r.Post("/scenarios/{name}", h.RunScenario)
		r.Delete("/data", h.ClearData)

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", h.ListRecordings)
			r.Post("/stop", h.StopRecording)
			r.Post("/{name}", h.ImportRecording)
			r.Get("/{name}/export", h.ExportRecording)
			r.Post("/{name}/start", h.StartRecording)
			r.Post("/{name}/replay", h.ReplayRecording)
		})
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.orch.Status(time.Now())
	code := http.StatusOK
	if status.Health.Overall < 0.5 {
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, status.Health)
}

// Status handles GET /status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.orch.Status(time.Now()))
}

// Events handles GET /events with optional type and since filters.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	filter := events.HistoryFilter{
		Type: validation.SanitizeString(r.URL.Query().Get("type")),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		parsed, err := validation.ValidateTimeString(validation.SanitizeString(since))
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'since' parameter, must be RFC3339 format")
			return
		}
		filter.Since = parsed
	}

	h.respondJSON(w, http.StatusOK, h.orch.InspectEvents(filter))
}

// TrendingDeals handles GET /deals/trending
func (h *Handler) TrendingDeals(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	h.respondJSON(w, http.StatusOK, h.orch.Trending(limit, 24*time.Hour, time.Now()))
}

// GetDeal handles GET /deals/{deal_id}
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	dealID := validation.SanitizeString(chi.URLParam(r, "deal_id"))

	deal, ok := h.orch.Deal(dealID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "deal not found")
		return
	}

	h.respondJSON(w, http.StatusOK, deal)
}

type reportRequest struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	Comments string `json:"comments"`
}

// ReportDeal handles POST /deals/{deal_id}/reports
func (h *Handler) ReportDeal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	dealID := validation.SanitizeString(chi.URLParam(r, "deal_id"))

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.UserID = validation.SanitizeString(req.UserID)
	req.Status = validation.SanitizeString(req.Status)

	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := validation.ValidateReportStatus(req.Status); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats := h.orch.ReportDeal(r.Context(), dealID, req.UserID, quality.ReportStatus(req.Status), req.Comments, time.Now())
	h.respondJSON(w, http.StatusCreated, stats)
}

// TrackEngagement handles POST /deals/{deal_id}/track/{kind}
func (h *Handler) TrackEngagement(w http.ResponseWriter, r *http.Request) {
	dealID := validation.SanitizeString(chi.URLParam(r, "deal_id"))
	kind := validation.SanitizeString(chi.URLParam(r, "kind"))

	userID := validation.SanitizeString(r.URL.Query().Get("user_id"))
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	switch analytics.Kind(kind) {
	case analytics.KindView, analytics.KindClick, analytics.KindRedemption:
	default:
		h.respondError(w, http.StatusBadRequest, "kind must be view, click or redemption")
		return
	}

	attribution := analytics.Context{
		CampusID:   validation.SanitizeString(r.URL.Query().Get("campus_id")),
		ProviderID: validation.SanitizeString(r.URL.Query().Get("provider_id")),
	}
	h.orch.Track(r.Context(), analytics.Kind(kind), dealID, userID, attribution, time.Now())
	w.WriteHeader(http.StatusAccepted)
}

// SetPreferences handles POST /users/{user_id}/preferences
func (h *Handler) SetPreferences(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	userID := validation.SanitizeString(chi.URLParam(r, "user_id"))
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	// Decoding over the defaults means absent fields keep their default
	// values.
	prefs := models.DefaultPreferences(userID)
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil && err != io.EOF {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	if err := validation.ValidatePreferences(prefs); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.orch.RegisterUser(userID, prefs, time.Now())
	h.respondJSON(w, http.StatusCreated, prefs)
}

// IngestDeal handles POST /webhooks/{provider_id}/deals
func (h *Handler) IngestDeal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	providerID := validation.SanitizeString(chi.URLParam(r, "provider_id"))

	var deal models.Deal
	if err := json.NewDecoder(r.Body).Decode(&deal); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	deal.Merchant.Name = validation.SanitizeString(deal.Merchant.Name)
	deal.Terms = validation.SanitizeString(deal.Terms)
	if deal.Source.Provider == "" {
		deal.Source.Provider = providerID
	}

	if err := validation.ValidateDeal(deal); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	deal = models.NewDeal(deal, now)
	event := simulate.DealCreatedEventFor(deal, now)

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.respondJSON(w, http.StatusAccepted, deal)
}

// ExportState handles GET /metrics/export
func (h *Handler) ExportState(w http.ResponseWriter, r *http.Request) {
	data, err := h.orch.ExportState(time.Now())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportState handles POST /metrics/import
func (h *Handler) ImportState(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := h.orch.ImportState(data); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TriggerPoll handles POST /admin/providers/{provider_id}/poll
func (h *Handler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	providerID := validation.SanitizeString(chi.URLParam(r, "provider_id"))

	if err := h.orch.TriggerPoll(r.Context(), providerID, time.Now()); err != nil {
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// RepublishEvent handles POST /admin/events/{event_id}/republish
func (h *Handler) RepublishEvent(w http.ResponseWriter, r *http.Request) {
	eventID := validation.SanitizeString(chi.URLParam(r, "event_id"))

	if err := h.orch.RepublishEvent(r.Context(), eventID); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ListFeatures handles GET /admin/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.flags.GetAll())
}

type featureRequest struct {
	Enabled bool `json:"enabled"`
}

// SetFeature handles POST /admin/features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	name := validation.SanitizeString(chi.URLParam(r, "name"))

	var req featureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	if !h.flags.Set(name, req.Enabled) {
		h.respondError(w, http.StatusNotFound, "unknown feature flag")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type chaosRequest struct {
	Enabled bool                  `json:"enabled"`
	Config  *simulate.ChaosConfig `json:"config,omitempty"`
}

// SetChaos handles POST /admin/chaos
func (h *Handler) SetChaos(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req chaosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	if req.Enabled {
		config := simulate.DefaultChaosConfig()
		if req.Config != nil {
			config = *req.Config
		}
		h.orch.EnableChaos(config)
	} else {
		h.orch.DisableChaos()
	}

	w.WriteHeader(http.StatusNoContent)
}

type scenarioResponse struct {
	Scenario  simulate.Scenario `json:"scenario"`
	Published int               `json:"published"`
}

// RunScenario handles POST /admin/scenarios/{name}
func (h *Handler) RunScenario(w http.ResponseWriter, r *http.Request) {
	name := validation.SanitizeString(chi.URLParam(r, "name"))

	scenario, published, err := h.orch.RunScenario(r.Context(), name, time.Now())
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.respondJSON(w, http.StatusAccepted, scenarioResponse{Scenario: scenario, Published: published})
}

// ListRecordings handles GET /admin/recordings
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.orch.Recordings())
}

// StartRecording handles POST /admin/recordings/{name}/start
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	name := validation.SanitizeString(chi.URLParam(r, "name"))
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "recording name is required")
		return
	}

	h.orch.StartRecording(name, time.Now())
	w.WriteHeader(http.StatusAccepted)
}

// StopRecording handles POST /admin/recordings/stop
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	recording, ok := h.orch.StopRecording(time.Now())
	if !ok {
		h.respondError(w, http.StatusConflict, "no recording in progress")
		return
	}

	h.respondJSON(w, http.StatusOK, recording)
}

type replayRequest struct {
	Speed   float64 `json:"speed"`
	DelayMS int64   `json:"delay_ms"`
}

// ReplayRecording handles POST /admin/recordings/{name}/replay
func (h *Handler) ReplayRecording(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	name := validation.SanitizeString(chi.URLParam(r, "name"))

	req := replayRequest{Speed: 1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	opts := simulate.ReplayOptions{
		Speed: req.Speed,
		Delay: time.Duration(req.DelayMS) * time.Millisecond,
	}
	if err := h.orch.ReplayRecording(name, opts); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ExportRecording handles GET /admin/recordings/{name}/export
func (h *Handler) ExportRecording(w http.ResponseWriter, r *http.Request) {
	name := validation.SanitizeString(chi.URLParam(r, "name"))

	data, err := h.orch.ExportRecording(name)
	if err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportRecording handles POST /admin/recordings/{name}
func (h *Handler) ImportRecording(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	name := validation.SanitizeString(chi.URLParam(r, "name"))
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "recording name is required")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := h.orch.LoadRecording(name, data); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// ClearData handles DELETE /admin/data
func (h *Handler) ClearData(w http.ResponseWriter, r *http.Request) {
	h.orch.ClearAllData(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}
