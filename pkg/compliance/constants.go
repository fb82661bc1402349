package compliance

import "time"

// Built-in role identifiers
const (
	RoleSystemAdmin       = "system_admin"
	RoleComplianceOfficer = "compliance_officer"
	RoleFacilityAdmin     = "facility_admin"
	RoleClinician         = "clinician"
	RoleClinicStaff       = "clinic_staff"
	RolePatient           = "patient"
)

// Built-in permission identifiers (resource:action)
const (
	PermPatientRead      = "patient:read"
	PermPatientWrite     = "patient:write"
	PermConsentRead      = "consent:read"
	PermConsentWrite     = "consent:write"
	PermAuditRead        = "audit:read"
	PermViolationRead    = "violation:read"
	PermRoleAssign       = "role:assign"
	PermRoleManage       = "role:manage"
	PermEmergencyAccess  = "emergency_access"
	PermBreakGlass       = "break_glass"
	PermOwnRecordRead    = "own_record:read"
	PermOwnConsentManage = "own_consent:manage"
)

// Role priorities (informational; permission union decides access)
var RolePriorities = map[string]int{
	RoleSystemAdmin:       100,
	RoleComplianceOfficer: 80,
	RoleFacilityAdmin:     60,
	RoleClinician:         40,
	RoleClinicStaff:       20,
	RolePatient:           10,
}

// BuiltinRolePermissions fixes the permission set of each built-in role
var BuiltinRolePermissions = map[string][]string{
	RoleSystemAdmin: {
		PermPatientRead, PermPatientWrite, PermConsentRead, PermConsentWrite,
		PermAuditRead, PermViolationRead, PermRoleAssign, PermRoleManage,
	},
	RoleComplianceOfficer: {
		PermAuditRead, PermViolationRead, PermConsentRead,
	},
	RoleFacilityAdmin: {
		PermPatientRead, PermConsentRead, PermRoleAssign,
	},
	RoleClinician: {
		PermPatientRead, PermPatientWrite, PermConsentRead,
		PermEmergencyAccess, PermBreakGlass,
	},
	RoleClinicStaff: {
		PermPatientRead, PermConsentRead,
	},
	RolePatient: {
		PermOwnRecordRead, PermOwnConsentManage,
	},
}

// Document-store collection names
const (
	CollectionPermissions = "permissions"
	CollectionRoles       = "roles"
	CollectionUserRoles   = "user_roles"
	CollectionConsents    = "patient_consents"
	CollectionAuditLog    = "audit_log"
	CollectionViolations  = "compliance_violations"
)

// Pipeline and cache tuning defaults
const (
	DefaultAuditBatchSize    = 500
	DefaultAuditFlushPeriod  = 5 * time.Second
	DefaultConsentCacheTTL   = 5 * time.Minute
	DefaultConsentFetchLimit = 10

	// VerifyScope flags audit on any request spanning more categories
	AuditCategoryThreshold = 5
)
