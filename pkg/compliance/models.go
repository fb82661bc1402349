package compliance

import (
	"time"
)

// Sensitivity classifies how sensitive a data category is
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// sensitivityRank orders sensitivities for max-risk comparisons
var sensitivityRank = map[Sensitivity]int{
	SensitivityLow:      1,
	SensitivityMedium:   2,
	SensitivityHigh:     3,
	SensitivityCritical: 4,
}

// Rank returns the ordering rank of the sensitivity (unknown values rank lowest)
func (s Sensitivity) Rank() int {
	return sensitivityRank[s]
}

// RiskLevel classifies the risk of an access decision
type RiskLevel = Sensitivity

// ConsentType identifies the purpose a consent was granted for
type ConsentType string

const (
	ConsentTypeTreatment ConsentType = "treatment"
	ConsentTypeResearch  ConsentType = "research"
	ConsentTypeMarketing ConsentType = "marketing"
	ConsentTypeEmergency ConsentType = "emergency"
)

// ConsentStatus tracks the lifecycle state of a consent
type ConsentStatus string

const (
	ConsentStatusGranted   ConsentStatus = "granted"
	ConsentStatusRevoked   ConsentStatus = "revoked"
	ConsentStatusSuspended ConsentStatus = "suspended"
	ConsentStatusExpired   ConsentStatus = "expired"
)

// Condition constrains a permission grant. Exactly one of Equals or
// Predicate is set: Equals requires the request context value to match
// exactly, Predicate evaluates the value with a function. Predicates are
// in-memory only and never round-trip through the document store.
type Condition struct {
	Equals    string                  `json:"equals,omitempty"`
	Predicate func(value string) bool `json:"-"`
}

// Matches reports whether the given context value satisfies the condition
func (c Condition) Matches(value string) bool {
	if c.Predicate != nil {
		return c.Predicate(value)
	}
	return c.Equals == value
}

// Permission represents a grantable capability identified as resource:action
type Permission struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Resource    string               `json:"resource"`
	Action      string               `json:"action"`
	Description string               `json:"description,omitempty"`
	Conditions  map[string]Condition `json:"conditions,omitempty"`
	IsActive    bool                 `json:"is_active"`
}

// Role represents a named set of permissions
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	Priority    int       `json:"priority"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// UserRoleAssignment binds a role to a user for an optional time window
type UserRoleAssignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	AssignedBy string     `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// Expired reports whether the assignment's validity window has passed
func (a *UserRoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// ConsentScope restricts where and by whom a consent may be exercised.
// An empty set means unrestricted for that dimension.
type ConsentScope struct {
	Facilities      []string `json:"facilities"`
	Providers       []string `json:"providers"`
	Services        []string `json:"services"`
	GeographicScope string   `json:"geographic_scope,omitempty"`
}

// DataCategory names a category of health data with its sensitivity
type DataCategory struct {
	Category    string      `json:"category"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// PatientConsent records a patient's grant of access to their data
type PatientConsent struct {
	ID             string         `json:"id"`
	PatientID      string         `json:"patient_id"`
	ConsentType    ConsentType    `json:"consent_type"`
	Status         ConsentStatus  `json:"status"`
	Scope          ConsentScope   `json:"scope"`
	DataCategories []DataCategory `json:"data_categories"`
	Signature      string         `json:"signature,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy      string         `json:"revoked_by,omitempty"`
	RevokedReason  string         `json:"revoked_reason,omitempty"`
}

// Active reports whether the consent currently authorizes access.
// A consent is active iff it is granted and not past its expiry.
func (c *PatientConsent) Active(now time.Time) bool {
	if c.Status != ConsentStatusGranted {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// HasCategory reports whether the consent covers the named data category
func (c *PatientConsent) HasCategory(category string) bool {
	for _, dc := range c.DataCategories {
		if dc.Category == category {
			return true
		}
	}
	return false
}

// ConsentRequest describes the access a caller wants a consent to cover
type ConsentRequest struct {
	PatientID      string   `json:"patient_id"`
	FacilityID     string   `json:"facility_id,omitempty"`
	ProviderID     string   `json:"provider_id,omitempty"`
	ServiceID      string   `json:"service_id,omitempty"`
	DataCategories []string `json:"data_categories"`
}

// VerificationResult is the outcome of matching a consent against a request
type VerificationResult struct {
	Valid         bool      `json:"valid"`
	RiskLevel     RiskLevel `json:"risk_level"`
	AuditRequired bool      `json:"audit_required"`
	Restrictions  []string  `json:"restrictions,omitempty"`
}

// ConsentContext carries the patient/resource context of an access check
type ConsentContext struct {
	PatientID         string            `json:"patient_id"`
	FacilityID        string            `json:"facility_id,omitempty"`
	ProviderID        string            `json:"provider_id,omitempty"`
	ServiceID         string            `json:"service_id,omitempty"`
	DataCategories    []string          `json:"data_categories"`
	EmergencyOverride bool              `json:"emergency_override,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// Request converts the context into a consent matching request
func (cc *ConsentContext) Request() *ConsentRequest {
	return &ConsentRequest{
		PatientID:      cc.PatientID,
		FacilityID:     cc.FacilityID,
		ProviderID:     cc.ProviderID,
		ServiceID:      cc.ServiceID,
		DataCategories: cc.DataCategories,
	}
}

// DecisionOutcome is the final verdict of an access check
type DecisionOutcome string

const (
	OutcomeAllow DecisionOutcome = "allow"
	OutcomeDeny  DecisionOutcome = "deny"
)

// AccessDecision is the result of an access check. It is embedded in audit
// and violation records rather than persisted on its own.
type AccessDecision struct {
	UserID        string          `json:"user_id"`
	PermissionID  string          `json:"permission_id"`
	ConsentID     string          `json:"consent_id,omitempty"`
	Outcome       DecisionOutcome `json:"outcome"`
	RiskLevel     RiskLevel       `json:"risk_level"`
	AuditRequired bool            `json:"audit_required"`
	Justification string          `json:"justification"`
	DecidedAt     time.Time       `json:"decided_at"`
}

// Allowed reports whether the decision permits the access
func (d *AccessDecision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// ActionType classifies an audited action
type ActionType string

const (
	ActionTypeCreate ActionType = "create"
	ActionTypeRead   ActionType = "read"
	ActionTypeUpdate ActionType = "update"
	ActionTypeDelete ActionType = "delete"
	ActionTypeAccess ActionType = "access"
)

// ActionResult records whether the audited action succeeded
type ActionResult string

const (
	ResultSuccess ActionResult = "success"
	ResultFailure ActionResult = "failure"
)

// AuditEvent is the caller-facing shape handed to the audit pipeline.
// The pipeline stamps identity, id, and timestamp when the event is accepted.
type AuditEvent struct {
	Action        string       `json:"action"`
	ResourceType  string       `json:"resource_type"`
	ResourceID    string       `json:"resource_id"`
	ActionType    ActionType   `json:"action_type"`
	ActionResult  ActionResult `json:"action_result"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	RequestID     string       `json:"request_id,omitempty"`
	Critical      bool         `json:"critical,omitempty"`
}

// AuditLogEntry is the persisted append-only audit record
type AuditLogEntry struct {
	ID            string       `json:"id"`
	Timestamp     time.Time    `json:"timestamp"`
	ActorID       string       `json:"actor_id"`
	ActorEmail    string       `json:"actor_email"`
	Action        string       `json:"action"`
	ResourceType  string       `json:"resource_type"`
	ResourceID    string       `json:"resource_id"`
	ActionType    ActionType   `json:"action_type"`
	ActionResult  ActionResult `json:"action_result"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	RequestID     string       `json:"request_id,omitempty"`
}

// ViolationType classifies a compliance violation
type ViolationType string

const (
	ViolationUnauthorizedAccess ViolationType = "unauthorized_access"
	ViolationConsentExpired     ViolationType = "consent_expired"
	ViolationScopeViolation     ViolationType = "scope_violation"
	ViolationPurposeViolation   ViolationType = "purpose_violation"
)

// Severity classifies how serious a violation is
type Severity = Sensitivity

// ComplianceViolation is the persisted record of a denied or violating access
type ComplianceViolation struct {
	ID          string        `json:"id"`
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	PatientID   string        `json:"patient_id,omitempty"`
	ActorID     string        `json:"actor_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Reviewed    bool          `json:"reviewed"`
}

// AuditFilter narrows an audit trail query
type AuditFilter struct {
	ActorID      string       `json:"actor_id,omitempty"`
	ResourceType string       `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ActionResult ActionResult `json:"action_result,omitempty"`
	Since        time.Time    `json:"since,omitempty"`
	Until        time.Time    `json:"until,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// DurabilityPolicy names the audit pipeline's behavior on persistence failure
type DurabilityPolicy string

const (
	// DurabilityBestEffort discards a failed batch so that audit persistence
	// can never block the primary access path.
	DurabilityBestEffort DurabilityPolicy = "best_effort"
)
