package compliance

import (
	"context"
)

// PermissionCatalog answers role and permission questions for users
type PermissionCatalog interface {
	LoadOrBootstrap(ctx context.Context) error
	HasPermission(ctx context.Context, userID, permissionID string, reqCtx map[string]string) (bool, string, error)
	AssignRole(ctx context.Context, userID, roleID, assignedBy string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	CreateRole(ctx context.Context, role *Role) error
	DeactivateRole(ctx context.Context, roleID string) error
}

// ConsentResolver resolves and verifies patient consents for requests
type ConsentResolver interface {
	FindApplicableConsent(ctx context.Context, patientID string, req *ConsentRequest) (*PatientConsent, error)
	VerifyScope(consent *PatientConsent, req *ConsentRequest) *VerificationResult
	HandleEmergencyAccess(req *ConsentRequest) *VerificationResult
	GrantConsent(ctx context.Context, consent *PatientConsent) error
	RevokeConsent(ctx context.Context, consentID, revokedBy, reason string) error
}

// AuditSink accepts security-relevant events for durable recording
type AuditSink interface {
	Enqueue(ctx context.Context, event *AuditEvent)
	Flush(ctx context.Context) error
	Enable()
	Disable()
}

// ViolationRecorder persists violations and triggers alerting.
// Record never fails the caller; persistence problems are swallowed.
type ViolationRecorder interface {
	Record(ctx context.Context, violation *ComplianceViolation)
}
