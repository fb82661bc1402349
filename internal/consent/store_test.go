package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/encryption"
	"github.com/carewell/compliance-core/pkg/logger"
)

// failingStore fails queries on demand to simulate an unreachable backend
type failingStore struct {
	*docstore.MemoryStore
	failQueries bool
}

func (s *failingStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if s.failQueries {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.Query(ctx, collection, q)
}

func newStore(t *testing.T, opts ...Option) (*Store, *docstore.MemoryStore) {
	t.Helper()
	backing := docstore.NewMemoryStore()
	return New(backing, nil, logger.New("error"), opts...), backing
}

func seedConsent(t *testing.T, s *Store, consent *compliance.PatientConsent) *compliance.PatientConsent {
	t.Helper()
	require.NoError(t, s.GrantConsent(context.Background(), consent))
	return consent
}

func demographics(sensitivity compliance.Sensitivity) []compliance.DataCategory {
	return []compliance.DataCategory{{Category: "demographics", Sensitivity: sensitivity}}
}

func TestFindApplicableConsent(t *testing.T) {
	ctx := context.Background()

	t.Run("no consents yields nil without error", func(t *testing.T) {
		s, _ := newStore(t)

		consent, err := s.FindApplicableConsent(ctx, "p1", &compliance.ConsentRequest{
			PatientID:      "p1",
			DataCategories: []string{"demographics"},
		})
		require.NoError(t, err)
		assert.Nil(t, consent)
	})

	t.Run("active covering consent is returned", func(t *testing.T) {
		s, _ := newStore(t)
		granted := seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p1",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
		})

		consent, err := s.FindApplicableConsent(ctx, "p1", &compliance.ConsentRequest{
			PatientID:      "p1",
			DataCategories: []string{"demographics"},
		})
		require.NoError(t, err)
		require.NotNil(t, consent)
		assert.Equal(t, granted.ID, consent.ID)
	})

	t.Run("expired consent is never returned", func(t *testing.T) {
		s, _ := newStore(t)
		past := time.Now().UTC().Add(-time.Minute)
		seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p2",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
			ExpiresAt:      &past,
		})

		consent, err := s.FindApplicableConsent(ctx, "p2", &compliance.ConsentRequest{
			PatientID:      "p2",
			DataCategories: []string{"demographics"},
		})
		require.NoError(t, err)
		assert.Nil(t, consent)
	})

	t.Run("emergency consent outranks newer treatment consent", func(t *testing.T) {
		s, _ := newStore(t)
		emergency := seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p3",
			ConsentType:    compliance.ConsentTypeEmergency,
			DataCategories: demographics(compliance.SensitivityLow),
			CreatedAt:      time.Now().UTC().Add(-time.Hour),
		})
		seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p3",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
		})

		consent, err := s.FindApplicableConsent(ctx, "p3", &compliance.ConsentRequest{
			PatientID:      "p3",
			DataCategories: []string{"demographics"},
		})
		require.NoError(t, err)
		require.NotNil(t, consent)
		assert.Equal(t, emergency.ID, consent.ID)
	})

	t.Run("same type ties break toward newest", func(t *testing.T) {
		s, _ := newStore(t)
		seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p4",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
			CreatedAt:      time.Now().UTC().Add(-time.Hour),
		})
		newest := seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p4",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
		})

		consent, err := s.FindApplicableConsent(ctx, "p4", &compliance.ConsentRequest{
			PatientID:      "p4",
			DataCategories: []string{"demographics"},
		})
		require.NoError(t, err)
		require.NotNil(t, consent)
		assert.Equal(t, newest.ID, consent.ID)
	})

	t.Run("store failure is an error, not an empty result", func(t *testing.T) {
		backing := &failingStore{MemoryStore: docstore.NewMemoryStore(), failQueries: true}
		s := New(backing, nil, logger.New("error"))

		_, err := s.FindApplicableConsent(ctx, "p5", &compliance.ConsentRequest{PatientID: "p5"})
		assert.True(t, compliance.IsUnavailable(err))
	})

	t.Run("repeat lookups hit the cache", func(t *testing.T) {
		backing := &failingStore{MemoryStore: docstore.NewMemoryStore()}
		s := New(backing, nil, logger.New("error"))
		seed := &compliance.PatientConsent{
			PatientID:      "p6",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
		}
		require.NoError(t, s.GrantConsent(ctx, seed))

		req := &compliance.ConsentRequest{PatientID: "p6", DataCategories: []string{"demographics"}}
		first, err := s.FindApplicableConsent(ctx, "p6", req)
		require.NoError(t, err)
		require.NotNil(t, first)

		// The backend is now down; a cached entry still serves the lookup.
		backing.failQueries = true
		second, err := s.FindApplicableConsent(ctx, "p6", req)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, first.ID, second.ID)
	})
}

func TestCovers(t *testing.T) {
	consent := &compliance.PatientConsent{
		Scope: compliance.ConsentScope{
			Facilities: []string{"f1", "f2"},
		},
		DataCategories: []compliance.DataCategory{
			{Category: "demographics", Sensitivity: compliance.SensitivityLow},
			{Category: "lab_results", Sensitivity: compliance.SensitivityHigh},
		},
	}

	t.Run("facility in scope matches", func(t *testing.T) {
		assert.True(t, Covers(consent, &compliance.ConsentRequest{
			FacilityID:     "f1",
			DataCategories: []string{"demographics"},
		}))
	})

	t.Run("facility outside scope does not match", func(t *testing.T) {
		assert.False(t, Covers(consent, &compliance.ConsentRequest{
			FacilityID:     "f3",
			DataCategories: []string{"demographics"},
		}))
	})

	t.Run("empty scope set means unrestricted", func(t *testing.T) {
		assert.True(t, Covers(consent, &compliance.ConsentRequest{
			FacilityID:     "f1",
			ProviderID:     "any-provider",
			ServiceID:      "any-service",
			DataCategories: []string{"demographics"},
		}))
	})

	t.Run("uncovered data category does not match", func(t *testing.T) {
		assert.False(t, Covers(consent, &compliance.ConsentRequest{
			FacilityID:     "f1",
			DataCategories: []string{"demographics", "genomics"},
		}))
	})

	t.Run("request without a facility matches any facility scope", func(t *testing.T) {
		assert.True(t, Covers(consent, &compliance.ConsentRequest{
			DataCategories: []string{"lab_results"},
		}))
	})
}

func TestVerifyScope(t *testing.T) {
	s, _ := newStore(t)

	consent := &compliance.PatientConsent{
		Scope: compliance.ConsentScope{Providers: []string{"dr-1"}},
		DataCategories: []compliance.DataCategory{
			{Category: "demographics", Sensitivity: compliance.SensitivityLow},
			{Category: "medications", Sensitivity: compliance.SensitivityMedium},
			{Category: "mental_health", Sensitivity: compliance.SensitivityCritical},
		},
	}

	t.Run("risk is the max sensitivity among requested categories", func(t *testing.T) {
		result := s.VerifyScope(consent, &compliance.ConsentRequest{
			ProviderID:     "dr-1",
			DataCategories: []string{"demographics", "medications"},
		})
		require.True(t, result.Valid)
		assert.Equal(t, compliance.SensitivityMedium, result.RiskLevel)
		assert.False(t, result.AuditRequired)
		assert.Equal(t, []string{"providers"}, result.Restrictions)
	})

	t.Run("critical category forces audit", func(t *testing.T) {
		result := s.VerifyScope(consent, &compliance.ConsentRequest{
			ProviderID:     "dr-1",
			DataCategories: []string{"mental_health"},
		})
		require.True(t, result.Valid)
		assert.Equal(t, compliance.SensitivityCritical, result.RiskLevel)
		assert.True(t, result.AuditRequired)
	})

	t.Run("wide category spread forces audit even at low risk", func(t *testing.T) {
		wide := &compliance.PatientConsent{
			DataCategories: []compliance.DataCategory{
				{Category: "c1", Sensitivity: compliance.SensitivityLow},
				{Category: "c2", Sensitivity: compliance.SensitivityLow},
				{Category: "c3", Sensitivity: compliance.SensitivityLow},
				{Category: "c4", Sensitivity: compliance.SensitivityLow},
				{Category: "c5", Sensitivity: compliance.SensitivityLow},
				{Category: "c6", Sensitivity: compliance.SensitivityLow},
			},
		}
		result := s.VerifyScope(wide, &compliance.ConsentRequest{
			DataCategories: []string{"c1", "c2", "c3", "c4", "c5", "c6"},
		})
		require.True(t, result.Valid)
		assert.Equal(t, compliance.SensitivityLow, result.RiskLevel)
		assert.True(t, result.AuditRequired)
	})

	t.Run("scope mismatch is invalid with high risk", func(t *testing.T) {
		result := s.VerifyScope(consent, &compliance.ConsentRequest{
			ProviderID:     "dr-2",
			DataCategories: []string{"demographics"},
		})
		assert.False(t, result.Valid)
		assert.Equal(t, compliance.SensitivityHigh, result.RiskLevel)
		assert.True(t, result.AuditRequired)
	})
}

func TestHandleEmergencyAccess(t *testing.T) {
	s, _ := newStore(t)

	result := s.HandleEmergencyAccess(&compliance.ConsentRequest{
		PatientID:      "p1",
		DataCategories: []string{"medications"},
	})

	assert.True(t, result.Valid)
	assert.Equal(t, compliance.SensitivityCritical, result.RiskLevel)
	assert.True(t, result.AuditRequired)
}

func TestGrantConsent(t *testing.T) {
	ctx := context.Background()

	t.Run("fills id, timestamp, and granted status", func(t *testing.T) {
		s, backing := newStore(t)

		consent := &compliance.PatientConsent{
			PatientID:      "p1",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
		}
		require.NoError(t, s.GrantConsent(ctx, consent))

		assert.NotEmpty(t, consent.ID)
		assert.False(t, consent.CreatedAt.IsZero())
		assert.Equal(t, compliance.ConsentStatusGranted, consent.Status)
		assert.Equal(t, 1, backing.Count(compliance.CollectionConsents))
	})

	t.Run("rejects a consent without a patient", func(t *testing.T) {
		s, _ := newStore(t)
		err := s.GrantConsent(ctx, &compliance.PatientConsent{})
		assert.Error(t, err)
	})

	t.Run("signature is encrypted at rest", func(t *testing.T) {
		enc, err := encryption.NewAESEncryptor("test-key")
		require.NoError(t, err)
		backing := docstore.NewMemoryStore()
		s := New(backing, enc, logger.New("error"))

		consent := &compliance.PatientConsent{
			PatientID:      "p1",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
			Signature:      "Jane Q. Public",
		}
		require.NoError(t, s.GrantConsent(ctx, consent))
		assert.NotEqual(t, "Jane Q. Public", consent.Signature)

		decrypted, err := enc.DecryptString(consent.Signature)
		require.NoError(t, err)
		assert.Equal(t, "Jane Q. Public", decrypted)
	})

	t.Run("missing encryptor drops the signature, not the record", func(t *testing.T) {
		s, backing := newStore(t)

		consent := &compliance.PatientConsent{
			PatientID:      "p1",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
			Signature:      "should vanish",
		}
		require.NoError(t, s.GrantConsent(ctx, consent))
		assert.Empty(t, consent.Signature)
		assert.Equal(t, 1, backing.Count(compliance.CollectionConsents))
	})
}

func TestRevokeConsent(t *testing.T) {
	ctx := context.Background()

	t.Run("revocation is terminal and immediately effective", func(t *testing.T) {
		s, _ := newStore(t)
		consent := seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p1",
			ConsentType:    compliance.ConsentTypeTreatment,
			DataCategories: demographics(compliance.SensitivityLow),
		})

		req := &compliance.ConsentRequest{PatientID: "p1", DataCategories: []string{"demographics"}}

		// Warm the cache first: the revocation must still win.
		found, err := s.FindApplicableConsent(ctx, "p1", req)
		require.NoError(t, err)
		require.NotNil(t, found)

		require.NoError(t, s.RevokeConsent(ctx, consent.ID, "p1", "patient request"))

		found, err = s.FindApplicableConsent(ctx, "p1", req)
		require.NoError(t, err)
		assert.Nil(t, found, "a revoked consent must never authorize access")
	})

	t.Run("revoking a missing consent reports not found", func(t *testing.T) {
		s, _ := newStore(t)
		err := s.RevokeConsent(ctx, "no-such-consent", "p1", "cleanup")
		assert.ErrorIs(t, err, compliance.ErrConsentNotFound)
	})

	t.Run("revocation records who and why", func(t *testing.T) {
		s, backing := newStore(t)
		consent := seedConsent(t, s, &compliance.PatientConsent{
			PatientID:      "p2",
			ConsentType:    compliance.ConsentTypeResearch,
			DataCategories: demographics(compliance.SensitivityLow),
		})

		require.NoError(t, s.RevokeConsent(ctx, consent.ID, "officer-1", "study closed"))

		doc, err := backing.Get(ctx, compliance.CollectionConsents, consent.ID)
		require.NoError(t, err)

		var stored compliance.PatientConsent
		require.NoError(t, docstore.Unmarshal(doc, &stored))
		assert.Equal(t, compliance.ConsentStatusRevoked, stored.Status)
		assert.Equal(t, "officer-1", stored.RevokedBy)
		assert.Equal(t, "study closed", stored.RevokedReason)
		require.NotNil(t, stored.RevokedAt)
	})
}
