// Package access composes the permission catalog, consent store, audit
// pipeline, and violation escalator into access decisions.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/identity"
	"github.com/carewell/compliance-core/pkg/logger"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "access_decisions_total",
	Help: "Access decisions by outcome.",
}, []string{"outcome"})

// Engine makes allow/deny decisions with a risk classification. Each check
// writes exactly one audit event; denials and scope violations additionally
// produce a violation record. The decision path itself has no retries and
// no hidden caller-visible state.
type Engine struct {
	catalog  compliance.PermissionCatalog
	consents compliance.ConsentResolver
	audit    compliance.AuditSink
	violator compliance.ViolationRecorder
	logger   *logger.Logger
}

// NewEngine creates an access decision engine
func NewEngine(
	catalog compliance.PermissionCatalog,
	consents compliance.ConsentResolver,
	audit compliance.AuditSink,
	violator compliance.ViolationRecorder,
	log *logger.Logger,
) *Engine {
	return &Engine{
		catalog:  catalog,
		consents: consents,
		audit:    audit,
		violator: violator,
		logger:   log,
	}
}

// CheckAccess decides whether the principal may exercise the permission in
// the given patient context. Store read failures propagate as errors (the
// decision fails closed); audit and violation write failures never do.
func (e *Engine) CheckAccess(ctx context.Context, principal *identity.Principal, permissionID string, cc *compliance.ConsentContext) (*compliance.AccessDecision, error) {
	if principal == nil {
		decision := e.deny("", permissionID, "no authenticated principal", compliance.SensitivityHigh)
		e.recordDecision(ctx, decision, cc)
		return decision, nil
	}

	var attrs map[string]string
	if cc != nil {
		attrs = cc.Attributes
	}

	ok, reason, err := e.catalog.HasPermission(ctx, principal.ID, permissionID, attrs)
	if err != nil {
		return nil, err
	}
	if !ok {
		decision := e.deny(principal.ID, permissionID, reason, compliance.SensitivityHigh)
		e.recordDecision(ctx, decision, cc)
		e.recordViolation(ctx, decision, cc, compliance.ViolationUnauthorizedAccess, compliance.SensitivityHigh,
			fmt.Sprintf("principal lacks permission %s", permissionID))
		return decision, nil
	}

	// Permission-only checks carry no patient context and need no consent.
	if cc == nil {
		decision := e.allow(principal.ID, permissionID, "", compliance.SensitivityLow, false,
			fmt.Sprintf("permission granted: %s", reason))
		e.recordDecision(ctx, decision, cc)
		return decision, nil
	}

	if cc.EmergencyOverride {
		return e.checkEmergency(ctx, principal, permissionID, cc)
	}

	consent, err := e.consents.FindApplicableConsent(ctx, cc.PatientID, cc.Request())
	if err != nil {
		return nil, err
	}
	if consent == nil {
		decision := e.deny(principal.ID, permissionID, "no applicable patient consent", compliance.SensitivityHigh)
		e.recordDecision(ctx, decision, cc)
		e.recordViolation(ctx, decision, cc, compliance.ViolationUnauthorizedAccess, compliance.SensitivityHigh,
			fmt.Sprintf("no consent covers access to patient %s", cc.PatientID))
		return decision, nil
	}

	result := e.consents.VerifyScope(consent, cc.Request())
	if !result.Valid {
		decision := e.deny(principal.ID, permissionID, "consent scope does not cover request", compliance.SensitivityHigh)
		decision.ConsentID = consent.ID
		e.recordDecision(ctx, decision, cc)
		e.recordViolation(ctx, decision, cc, compliance.ViolationScopeViolation, compliance.SensitivityHigh,
			fmt.Sprintf("consent %s does not cover the requested scope", consent.ID))
		return decision, nil
	}

	decision := e.allow(principal.ID, permissionID, consent.ID, result.RiskLevel, result.AuditRequired,
		fmt.Sprintf("consent %s covers the request", consent.ID))
	e.recordDecision(ctx, decision, cc)
	return decision, nil
}

// checkEmergency honors an emergency override only for principals holding a
// break-glass permission; the resulting record always carries critical risk.
func (e *Engine) checkEmergency(ctx context.Context, principal *identity.Principal, permissionID string, cc *compliance.ConsentContext) (*compliance.AccessDecision, error) {
	holds := false
	for _, breakGlass := range []string{compliance.PermEmergencyAccess, compliance.PermBreakGlass} {
		ok, _, err := e.catalog.HasPermission(ctx, principal.ID, breakGlass, cc.Attributes)
		if err != nil {
			return nil, err
		}
		if ok {
			holds = true
			break
		}
	}

	if !holds {
		decision := e.deny(principal.ID, permissionID, "emergency override requires break-glass permission", compliance.SensitivityCritical)
		e.recordDecision(ctx, decision, cc)
		e.recordViolation(ctx, decision, cc, compliance.ViolationUnauthorizedAccess, compliance.SensitivityCritical,
			"emergency override attempted without break-glass permission")
		return decision, nil
	}

	result := e.consents.HandleEmergencyAccess(cc.Request())
	decision := e.allow(principal.ID, permissionID, "", result.RiskLevel, result.AuditRequired,
		"emergency override granted via break-glass permission")
	e.recordDecision(ctx, decision, cc)
	return decision, nil
}

func (e *Engine) allow(userID, permissionID, consentID string, risk compliance.RiskLevel, auditRequired bool, justification string) *compliance.AccessDecision {
	decisionsTotal.WithLabelValues(string(compliance.OutcomeAllow)).Inc()
	return &compliance.AccessDecision{
		UserID:        userID,
		PermissionID:  permissionID,
		ConsentID:     consentID,
		Outcome:       compliance.OutcomeAllow,
		RiskLevel:     risk,
		AuditRequired: auditRequired,
		Justification: justification,
		DecidedAt:     time.Now().UTC(),
	}
}

func (e *Engine) deny(userID, permissionID, justification string, risk compliance.RiskLevel) *compliance.AccessDecision {
	decisionsTotal.WithLabelValues(string(compliance.OutcomeDeny)).Inc()
	return &compliance.AccessDecision{
		UserID:        userID,
		PermissionID:  permissionID,
		Outcome:       compliance.OutcomeDeny,
		RiskLevel:     risk,
		AuditRequired: true,
		Justification: justification,
		DecidedAt:     time.Now().UTC(),
	}
}

// recordDecision enqueues the audit event for a decision. The pipeline owns
// gating and persistence; nothing here can fail the caller.
func (e *Engine) recordDecision(ctx context.Context, decision *compliance.AccessDecision, cc *compliance.ConsentContext) {
	result := compliance.ResultSuccess
	if !decision.Allowed() {
		result = compliance.ResultFailure
	}

	resourceID := ""
	if cc != nil {
		resourceID = cc.PatientID
	}

	e.audit.Enqueue(ctx, &compliance.AuditEvent{
		Action:       decision.PermissionID,
		ResourceType: "patient_data",
		ResourceID:   resourceID,
		ActionType:   compliance.ActionTypeAccess,
		ActionResult: result,
		Critical:     decision.RiskLevel.Rank() >= compliance.SensitivityHigh.Rank(),
	})
}

func (e *Engine) recordViolation(ctx context.Context, decision *compliance.AccessDecision, cc *compliance.ConsentContext, vtype compliance.ViolationType, severity compliance.Severity, description string) {
	patientID := ""
	if cc != nil {
		patientID = cc.PatientID
	}

	e.violator.Record(ctx, &compliance.ComplianceViolation{
		Type:        vtype,
		Severity:    severity,
		Description: description,
		PatientID:   patientID,
		ActorID:     decision.UserID,
	})
}
