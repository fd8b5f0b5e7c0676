package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/introspect"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/process"
	"github.com/baremetal-lab/inspector/pkg/inspection/rules"
	"github.com/baremetal-lab/inspector/pkg/objectstore"
)

// Handler implements the introspection API endpoints.
type Handler struct {
	nodes        *cache.NodeCache
	processor    *process.Processor
	introspector *introspect.Introspector
	rules        *rules.Engine
}

// NewHandler creates the API endpoint handler.
func NewHandler(nodes *cache.NodeCache, processor *process.Processor, introspector *introspect.Introspector, engine *rules.Engine) *Handler {
	return &Handler{
		nodes:        nodes,
		processor:    processor,
		introspector: introspector,
		rules:        engine,
	}
}

// statusFor maps the domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNodeNotFound),
		errors.Is(err, models.ErrNotFoundInCache),
		errors.Is(err, models.ErrAmbiguousLookup),
		errors.Is(err, models.ErrRuleNotFound),
		errors.Is(err, models.ErrObjectNotFound),
		errors.Is(err, objectstore.ErrObjectNotFound),
		errors.Is(err, baremetal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNodeLocked),
		errors.Is(err, models.ErrDuplicateRule),
		errors.Is(err, baremetal.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrAlreadyFinished),
		errors.Is(err, models.ErrStorageDisabled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	JSON(w, statusFor(err), ErrorResponse(err.Error()))
}

// Liveness handles GET /health.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Continue handles POST /v1/continue: the ramdisk submitting its findings.
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	var data inspection.Data
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse("invalid introspection data: "+err.Error()))
		return
	}

	result, err := h.processor.Process(r.Context(), data)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// Processing failures are caused by the submission.
			status = http.StatusBadRequest
		}
		JSON(w, status, ErrorResponse(err.Error()))
		return
	}
	JSON(w, http.StatusOK, result)
}

// Start handles POST /v1/introspection/{uuid}: triggering introspection.
// New IPMI credentials may be supplied via the new_ipmi_username and
// new_ipmi_password query parameters.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	var creds *process.Credentials
	username := r.URL.Query().Get("new_ipmi_username")
	password := r.URL.Query().Get("new_ipmi_password")
	if username != "" || password != "" {
		creds = &process.Credentials{Username: username, Password: password}
	}

	if err := h.introspector.Introspect(r.Context(), uuid, creds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// introspectionStatus is the wire shape of a status read.
type introspectionStatus struct {
	UUID       string `json:"uuid"`
	Finished   bool   `json:"finished"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Status handles GET /v1/introspection/{uuid}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	info, err := h.nodes.GetNode(r.Context(), uuid, false)
	if err != nil {
		writeError(w, err)
		return
	}

	status := introspectionStatus{
		UUID:      info.UUID,
		Finished:  info.Finished(),
		Error:     info.Error,
		StartedAt: info.StartedAt.UTC().Format("2006-01-02T15:04:05"),
	}
	if info.FinishedAt != nil {
		status.FinishedAt = info.FinishedAt.UTC().Format("2006-01-02T15:04:05")
	}
	JSON(w, http.StatusOK, status)
}

// Abort handles POST /v1/introspection/{uuid}/abort.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	if err := h.introspector.Abort(r.Context(), uuid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Data handles GET /v1/introspection/{uuid}/data: the archived processed
// introspection document.
func (h *Handler) Data(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	data, err := h.processor.GetStoredData(r.Context(), uuid, false)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, data)
}

// DataUnprocessed handles GET /v1/introspection/{uuid}/data/unprocessed:
// the archived raw ramdisk submission.
func (h *Handler) DataUnprocessed(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	data, err := h.processor.GetStoredData(r.Context(), uuid, true)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, data)
}

// Reapply handles POST /v1/introspection/{uuid}/data/unprocessed: rerunning
// the pipeline on the archived raw submission.
func (h *Handler) Reapply(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	if err := h.processor.Reapply(r.Context(), uuid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CreateRule handles POST /v1/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var spec rules.RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse("invalid rule: "+err.Error()))
		return
	}

	rule, err := h.rules.Create(r.Context(), &spec)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		JSON(w, status, ErrorResponse(err.Error()))
		return
	}
	JSON(w, http.StatusCreated, rules.SpecFromModel(rule))
}

// ListRules handles GET /v1/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := h.rules.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	specs := make([]*rules.RuleSpec, 0, len(ruleList))
	for _, rule := range ruleList {
		specs = append(specs, rules.SpecFromModel(rule))
	}
	JSON(w, http.StatusOK, specs)
}

// GetRule handles GET /v1/rules/{uuid}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, rules.SpecFromModel(rule))
}

// DeleteRule handles DELETE /v1/rules/{uuid}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "uuid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllRules handles DELETE /v1/rules.
func (h *Handler) DeleteAllRules(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.DeleteAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
