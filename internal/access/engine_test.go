package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewell/compliance-core/internal/audit"
	"github.com/carewell/compliance-core/internal/catalog"
	"github.com/carewell/compliance-core/internal/consent"
	"github.com/carewell/compliance-core/internal/violation"
	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/identity"
	"github.com/carewell/compliance-core/pkg/logger"
)

// fixture wires the full decision stack onto one in-memory store
type fixture struct {
	engine   *Engine
	catalog  *catalog.Catalog
	consents *consent.Store
	pipeline *audit.Pipeline
	store    *docstore.MemoryStore
	provider *identity.StaticProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("error")
	store := docstore.NewMemoryStore()
	provider := identity.NewStaticProvider()

	pipeline := audit.NewPipeline(store, provider, log)
	cat := catalog.New(store, pipeline, log)
	require.NoError(t, cat.LoadOrBootstrap(context.Background()))

	consents := consent.New(store, nil, log)
	escalator := violation.NewEscalator(store, log)

	return &fixture{
		engine:   NewEngine(cat, consents, pipeline, escalator, log),
		catalog:  cat,
		consents: consents,
		pipeline: pipeline,
		store:    store,
		provider: provider,
	}
}

func (f *fixture) signIn(t *testing.T, id string) *identity.Principal {
	t.Helper()
	p := &identity.Principal{ID: id, Email: id + "@example.org", EmailVerified: true}
	f.provider.SetPrincipal(p)
	return p
}

func (f *fixture) auditEntries(t *testing.T) []compliance.AuditLogEntry {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.pipeline.Flush(ctx))

	docs, err := f.store.Query(ctx, compliance.CollectionAuditLog, docstore.Query{})
	require.NoError(t, err)

	entries := make([]compliance.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		var entry compliance.AuditLogEntry
		require.NoError(t, docstore.Unmarshal(doc, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func (f *fixture) violations(t *testing.T) []compliance.ComplianceViolation {
	t.Helper()
	docs, err := f.store.Query(context.Background(), compliance.CollectionViolations, docstore.Query{})
	require.NoError(t, err)

	violations := make([]compliance.ComplianceViolation, 0, len(docs))
	for _, doc := range docs {
		var v compliance.ComplianceViolation
		require.NoError(t, docstore.Unmarshal(doc, &v))
		violations = append(violations, v)
	}
	return violations
}

func demographicsConsent(patientID string) *compliance.PatientConsent {
	return &compliance.PatientConsent{
		PatientID:   patientID,
		ConsentType: compliance.ConsentTypeTreatment,
		DataCategories: []compliance.DataCategory{
			{Category: "demographics", Sensitivity: compliance.SensitivityLow},
		},
	}
}

func TestCheckAccess_AllowPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doctor := f.signIn(t, "dr-lee")
	require.NoError(t, f.catalog.AssignRole(ctx, doctor.ID, compliance.RoleClinician, "admin"))
	require.NoError(t, f.consents.GrantConsent(ctx, demographicsConsent("p1")))

	decision, err := f.engine.CheckAccess(ctx, doctor, compliance.PermPatientRead, &compliance.ConsentContext{
		PatientID:      "p1",
		DataCategories: []string{"demographics"},
	})
	require.NoError(t, err)

	assert.True(t, decision.Allowed())
	assert.Equal(t, compliance.SensitivityLow, decision.RiskLevel)
	assert.False(t, decision.AuditRequired)
	assert.NotEmpty(t, decision.ConsentID)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, doctor.ID, entries[0].ActorID)
	assert.Equal(t, compliance.PermPatientRead, entries[0].Action)
	assert.Equal(t, compliance.ResultSuccess, entries[0].ActionResult)
	assert.Equal(t, "p1", entries[0].ResourceID)

	assert.Empty(t, f.violations(t))
}

func TestCheckAccess_NilPrincipal(t *testing.T) {
	f := newFixture(t)

	decision, err := f.engine.CheckAccess(context.Background(), nil, compliance.PermPatientRead, nil)
	require.NoError(t, err)

	assert.False(t, decision.Allowed())
	assert.True(t, decision.AuditRequired)
	assert.Empty(t, f.violations(t))

	// The enqueue gate sees no authenticated principal, so nothing persists.
	assert.Empty(t, f.auditEntries(t))
}

func TestCheckAccess_MissingPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	patient := f.signIn(t, "pat-1")
	require.NoError(t, f.catalog.AssignRole(ctx, patient.ID, compliance.RolePatient, "admin"))

	decision, err := f.engine.CheckAccess(ctx, patient, compliance.PermPatientWrite, &compliance.ConsentContext{
		PatientID:      "p1",
		DataCategories: []string{"demographics"},
	})
	require.NoError(t, err)

	assert.False(t, decision.Allowed())
	assert.Equal(t, compliance.SensitivityHigh, decision.RiskLevel)

	violations := f.violations(t)
	require.Len(t, violations, 1)
	assert.Equal(t, compliance.ViolationUnauthorizedAccess, violations[0].Type)
	assert.Equal(t, patient.ID, violations[0].ActorID)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, compliance.ResultFailure, entries[0].ActionResult)
}

func TestCheckAccess_NoConsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doctor := f.signIn(t, "dr-lee")
	require.NoError(t, f.catalog.AssignRole(ctx, doctor.ID, compliance.RoleClinician, "admin"))

	decision, err := f.engine.CheckAccess(ctx, doctor, compliance.PermPatientRead, &compliance.ConsentContext{
		PatientID:      "p1",
		DataCategories: []string{"demographics"},
	})
	require.NoError(t, err)

	assert.False(t, decision.Allowed())
	assert.Equal(t, "no applicable patient consent", decision.Justification)

	violations := f.violations(t)
	require.Len(t, violations, 1)
	assert.Equal(t, compliance.ViolationUnauthorizedAccess, violations[0].Type)
	assert.Equal(t, "p1", violations[0].PatientID)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, compliance.ResultFailure, entries[0].ActionResult)
}

func TestCheckAccess_ScopeViolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doctor := f.signIn(t, "dr-lee")
	require.NoError(t, f.catalog.AssignRole(ctx, doctor.ID, compliance.RoleClinician, "admin"))

	scoped := demographicsConsent("p1")
	scoped.Scope.Facilities = []string{"facility-east"}
	require.NoError(t, f.consents.GrantConsent(ctx, scoped))

	decision, err := f.engine.CheckAccess(ctx, doctor, compliance.PermPatientRead, &compliance.ConsentContext{
		PatientID:      "p1",
		FacilityID:     "facility-west",
		DataCategories: []string{"demographics"},
	})
	require.NoError(t, err)

	assert.False(t, decision.Allowed())

	// A consent exists but none covers facility-west, so the lookup itself
	// comes back empty and the denial reads as no applicable consent.
	violations := f.violations(t)
	require.Len(t, violations, 1)
	assert.Equal(t, compliance.ViolationUnauthorizedAccess, violations[0].Type)
}

func TestCheckAccess_PermissionOnlyCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	admin := f.signIn(t, "admin-1")
	require.NoError(t, f.catalog.AssignRole(ctx, admin.ID, compliance.RoleSystemAdmin, "bootstrap"))

	decision, err := f.engine.CheckAccess(ctx, admin, compliance.PermRoleAssign, nil)
	require.NoError(t, err)

	assert.True(t, decision.Allowed())
	assert.Equal(t, compliance.SensitivityLow, decision.RiskLevel)
	assert.False(t, decision.AuditRequired)
}

func TestCheckAccess_EmergencyOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("clinician with break-glass is allowed at critical risk", func(t *testing.T) {
		f := newFixture(t)
		doctor := f.signIn(t, "dr-er")
		require.NoError(t, f.catalog.AssignRole(ctx, doctor.ID, compliance.RoleClinician, "admin"))

		decision, err := f.engine.CheckAccess(ctx, doctor, compliance.PermPatientRead, &compliance.ConsentContext{
			PatientID:         "p1",
			DataCategories:    []string{"medications"},
			EmergencyOverride: true,
		})
		require.NoError(t, err)

		assert.True(t, decision.Allowed())
		assert.Equal(t, compliance.SensitivityCritical, decision.RiskLevel)
		assert.True(t, decision.AuditRequired)
		assert.Empty(t, f.violations(t))

		entries := f.auditEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, compliance.ResultSuccess, entries[0].ActionResult)
	})

	t.Run("without break-glass the override is denied and escalated", func(t *testing.T) {
		f := newFixture(t)
		staff := f.signIn(t, "staff-1")
		require.NoError(t, f.catalog.AssignRole(ctx, staff.ID, compliance.RoleClinicStaff, "admin"))

		decision, err := f.engine.CheckAccess(ctx, staff, compliance.PermPatientRead, &compliance.ConsentContext{
			PatientID:         "p1",
			DataCategories:    []string{"medications"},
			EmergencyOverride: true,
		})
		require.NoError(t, err)

		assert.False(t, decision.Allowed())
		assert.Equal(t, compliance.SensitivityCritical, decision.RiskLevel)

		violations := f.violations(t)
		require.Len(t, violations, 1)
		assert.Equal(t, compliance.SensitivityCritical, violations[0].Severity)
	})
}

// failingConsents simulates an unreachable consent backend
type failingConsents struct{}

func (failingConsents) FindApplicableConsent(ctx context.Context, patientID string, req *compliance.ConsentRequest) (*compliance.PatientConsent, error) {
	return nil, compliance.NewErrorWithCause(
		compliance.ErrorTypeUnavailable,
		compliance.ErrorCodeUnavailable,
		"failed to load patient consents",
		errors.New("connection refused"),
	)
}

func (failingConsents) VerifyScope(consent *compliance.PatientConsent, req *compliance.ConsentRequest) *compliance.VerificationResult {
	return &compliance.VerificationResult{}
}

func (failingConsents) HandleEmergencyAccess(req *compliance.ConsentRequest) *compliance.VerificationResult {
	return &compliance.VerificationResult{}
}

func (failingConsents) GrantConsent(ctx context.Context, consent *compliance.PatientConsent) error {
	return nil
}

func (failingConsents) RevokeConsent(ctx context.Context, consentID, revokedBy, reason string) error {
	return nil
}

func TestCheckAccess_ConsentStoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doctor := f.signIn(t, "dr-lee")
	require.NoError(t, f.catalog.AssignRole(ctx, doctor.ID, compliance.RoleClinician, "admin"))

	engine := NewEngine(f.catalog, failingConsents{}, f.pipeline, violation.NewEscalator(f.store, logger.New("error")), logger.New("error"))

	decision, err := engine.CheckAccess(ctx, doctor, compliance.PermPatientRead, &compliance.ConsentContext{
		PatientID:      "p1",
		DataCategories: []string{"demographics"},
	})

	// The decision fails closed: an error, never a silent deny or allow.
	assert.Nil(t, decision)
	assert.True(t, compliance.IsUnavailable(err))
}
