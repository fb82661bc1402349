package access

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/identity"
	"github.com/carewell/compliance-core/pkg/logger"
)

// Handlers exposes the decision and consent APIs over HTTP
type Handlers struct {
	engine   *Engine
	catalog  compliance.PermissionCatalog
	consents compliance.ConsentResolver
	store    docstore.Store
	identity identity.Provider
	logger   *logger.Logger
	validate *validator.Validate
}

// NewHandlers creates the HTTP handler set
func NewHandlers(
	engine *Engine,
	catalog compliance.PermissionCatalog,
	consents compliance.ConsentResolver,
	store docstore.Store,
	provider identity.Provider,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		engine:   engine,
		catalog:  catalog,
		consents: consents,
		store:    store,
		identity: provider,
		logger:   log,
		validate: validator.New(),
	}
}

// RegisterRoutes registers all routes with the router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(h.bearerTokenMiddleware)

	v1.HandleFunc("/access/check", h.CheckAccess).Methods("POST")
	v1.HandleFunc("/consents", h.GrantConsent).Methods("POST")
	v1.HandleFunc("/consents/{consentID}", h.RevokeConsent).Methods("DELETE")
	v1.HandleFunc("/roles/assignments", h.AssignRole).Methods("POST")
	v1.HandleFunc("/roles/assignments", h.RemoveRole).Methods("DELETE")
	v1.HandleFunc("/audit/entries", h.QueryAuditTrail).Methods("GET")
}

// bearerTokenMiddleware copies the Authorization bearer token onto the
// request context for the identity provider.
func (h *Handlers) bearerTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			ctx := identity.WithToken(r.Context(), strings.TrimPrefix(auth, "Bearer "))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// CheckAccessRequest is the payload of POST /v1/access/check
type CheckAccessRequest struct {
	Permission        string            `json:"permission" validate:"required"`
	PatientID         string            `json:"patient_id,omitempty"`
	FacilityID        string            `json:"facility_id,omitempty"`
	ProviderID        string            `json:"provider_id,omitempty"`
	ServiceID         string            `json:"service_id,omitempty"`
	DataCategories    []string          `json:"data_categories,omitempty"`
	EmergencyOverride bool              `json:"emergency_override,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// CheckAccess handles access decision requests
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	principal, err := h.identity.CurrentPrincipal(ctx)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var cc *compliance.ConsentContext
	if req.PatientID != "" {
		cc = &compliance.ConsentContext{
			PatientID:         req.PatientID,
			FacilityID:        req.FacilityID,
			ProviderID:        req.ProviderID,
			ServiceID:         req.ServiceID,
			DataCategories:    req.DataCategories,
			EmergencyOverride: req.EmergencyOverride,
			Attributes:        req.Attributes,
		}
	}

	decision, err := h.engine.CheckAccess(ctx, principal, req.Permission, cc)
	if err != nil {
		h.logger.WithError(err).Error("Access check failed")
		h.writeError(w, http.StatusServiceUnavailable, "decision unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, decision)
}

// GrantConsentRequest is the payload of POST /v1/consents
type GrantConsentRequest struct {
	PatientID      string                    `json:"patient_id" validate:"required"`
	ConsentType    string                    `json:"consent_type" validate:"required,oneof=treatment research marketing emergency"`
	Scope          compliance.ConsentScope   `json:"scope"`
	DataCategories []compliance.DataCategory `json:"data_categories" validate:"required,min=1,dive"`
	Signature      string                    `json:"signature,omitempty"`
	ExpiresAt      *time.Time                `json:"expires_at,omitempty"`
}

// GrantConsent handles consent creation
func (h *Handlers) GrantConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GrantConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	consent := &compliance.PatientConsent{
		PatientID:      req.PatientID,
		ConsentType:    compliance.ConsentType(req.ConsentType),
		Scope:          req.Scope,
		DataCategories: req.DataCategories,
		Signature:      req.Signature,
		ExpiresAt:      req.ExpiresAt,
	}

	if err := h.consents.GrantConsent(ctx, consent); err != nil {
		h.logger.WithError(err).Error("Failed to grant consent")
		h.writeComplianceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, consent)
}

// RevokeConsentRequest is the payload of DELETE /v1/consents/{consentID}
type RevokeConsentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RevokeConsent handles consent revocation
func (h *Handlers) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	consentID := mux.Vars(r)["consentID"]

	var req RevokeConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	principal, err := h.identity.CurrentPrincipal(ctx)
	if err != nil || principal == nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.consents.RevokeConsent(ctx, consentID, principal.ID, req.Reason); err != nil {
		h.writeComplianceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RoleAssignmentRequest is the payload of the role assignment endpoints
type RoleAssignmentRequest struct {
	UserID string `json:"user_id" validate:"required"`
	RoleID string `json:"role_id" validate:"required"`
}

// AssignRole handles role assignment
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RoleAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	principal, err := h.identity.CurrentPrincipal(ctx)
	if err != nil || principal == nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	decision, err := h.engine.CheckAccess(ctx, principal, compliance.PermRoleAssign, nil)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "decision unavailable")
		return
	}
	if !decision.Allowed() {
		h.writeError(w, http.StatusForbidden, decision.Justification)
		return
	}

	if err := h.catalog.AssignRole(ctx, req.UserID, req.RoleID, principal.ID); err != nil {
		h.writeComplianceError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// RemoveRole handles role removal
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RoleAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	principal, err := h.identity.CurrentPrincipal(ctx)
	if err != nil || principal == nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	decision, err := h.engine.CheckAccess(ctx, principal, compliance.PermRoleAssign, nil)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "decision unavailable")
		return
	}
	if !decision.Allowed() {
		h.writeError(w, http.StatusForbidden, decision.Justification)
		return
	}

	if err := h.catalog.RemoveRole(ctx, req.UserID, req.RoleID); err != nil {
		h.writeComplianceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// QueryAuditTrail returns audit entries matching the query parameters
func (h *Handlers) QueryAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, err := h.identity.CurrentPrincipal(ctx)
	if err != nil || principal == nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	decision, err := h.engine.CheckAccess(ctx, principal, compliance.PermAuditRead, nil)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "decision unavailable")
		return
	}
	if !decision.Allowed() {
		h.writeError(w, http.StatusForbidden, decision.Justification)
		return
	}

	filter := parseAuditFilter(r.URL.Query())
	docs, err := h.store.Query(ctx, compliance.CollectionAuditLog, auditQuery(filter))
	if err != nil {
		h.logger.WithError(err).Error("Failed to query audit trail")
		h.writeError(w, http.StatusServiceUnavailable, "audit trail unavailable")
		return
	}

	entries := make([]compliance.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		var entry compliance.AuditLogEntry
		if err := docstore.Unmarshal(doc, &entry); err != nil {
			h.logger.WithError(err).Warn("Skipping undecodable audit entry")
			continue
		}
		entries = append(entries, entry)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// parseAuditFilter reads the audit trail query parameters
func parseAuditFilter(params url.Values) compliance.AuditFilter {
	filter := compliance.AuditFilter{Limit: 100}

	filter.ActorID = params.Get("actor_id")
	filter.ResourceType = params.Get("resource_type")
	filter.ResourceID = params.Get("resource_id")
	filter.ActionResult = compliance.ActionResult(params.Get("action_result"))

	if since := params.Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = ts
		}
	}
	if until := params.Get("until"); until != "" {
		if ts, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = ts
		}
	}
	if limit := params.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}

	return filter
}

// auditQuery translates an audit filter into a document-store query
func auditQuery(filter compliance.AuditFilter) docstore.Query {
	q := docstore.Query{OrderBy: "timestamp", Descending: true, Limit: filter.Limit}

	if filter.ActorID != "" {
		q = q.Where("actor_id", docstore.OpEq, filter.ActorID)
	}
	if filter.ResourceType != "" {
		q = q.Where("resource_type", docstore.OpEq, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		q = q.Where("resource_id", docstore.OpEq, filter.ResourceID)
	}
	if filter.ActionResult != "" {
		q = q.Where("action_result", docstore.OpEq, string(filter.ActionResult))
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp", docstore.OpGte, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		q = q.Where("timestamp", docstore.OpLte, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	return q
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeComplianceError maps typed compliance errors onto HTTP statuses
// without leaking internal detail.
func (h *Handlers) writeComplianceError(w http.ResponseWriter, err error) {
	switch {
	case compliance.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "resource not found")
	case compliance.IsUnauthorized(err):
		h.writeError(w, http.StatusUnauthorized, "not authorized")
	case compliance.IsUnavailable(err):
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
