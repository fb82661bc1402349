// Package consent implements retrieval, caching, and scope verification of
// patient consents.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/encryption"
	"github.com/carewell/compliance-core/pkg/logger"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consent_cache_hits_total",
		Help: "Number of consent lookups served from the per-patient cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consent_cache_misses_total",
		Help: "Number of consent lookups that required a store query.",
	})
)

// Store retrieves and short-TTL-caches a patient's active consents
type Store struct {
	store      docstore.Store
	enc        encryption.Encryptor
	logger     *logger.Logger
	cacheTTL   time.Duration
	fetchLimit int

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	consent   *compliance.PatientConsent
	expiresAt time.Time
}

// Option configures a Store
type Option func(*Store)

// WithCacheTTL overrides the default 5-minute consent cache TTL
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cacheTTL = ttl }
}

// WithFetchLimit overrides how many recent consents a lookup considers
func WithFetchLimit(limit int) Option {
	return func(s *Store) { s.fetchLimit = limit }
}

// New creates a consent store. The encryptor may be nil, in which case
// sensitive fields are persisted unencrypted with a warning.
func New(store docstore.Store, enc encryption.Encryptor, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		store:      store,
		enc:        enc,
		logger:     log,
		cacheTTL:   compliance.DefaultConsentCacheTTL,
		fetchLimit: compliance.DefaultConsentFetchLimit,
		cache:      make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindApplicableConsent returns the highest-priority active consent whose
// scope covers the request, or nil when no consent covers it. Callers must
// treat nil as "no consent" and deny.
func (s *Store) FindApplicableConsent(ctx context.Context, patientID string, req *compliance.ConsentRequest) (*compliance.PatientConsent, error) {
	now := time.Now().UTC()

	if cached := s.cachedConsent(patientID, now); cached != nil {
		if cached.Active(now) && Covers(cached, req) {
			cacheHits.Inc()
			return cached, nil
		}
	}
	cacheMisses.Inc()

	docs, err := s.store.Query(ctx, compliance.CollectionConsents, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "patient_id", Op: docstore.OpEq, Value: patientID},
			{Field: "status", Op: docstore.OpEq, Value: string(compliance.ConsentStatusGranted)},
		},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      s.fetchLimit,
	})
	if err != nil {
		// An ambiguous store failure must not be read as "no consent exists".
		return nil, compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to load patient consents",
			err,
		).WithContext("", patientID)
	}

	active := make([]*compliance.PatientConsent, 0, len(docs))
	for _, doc := range docs {
		consent := &compliance.PatientConsent{}
		if err := docstore.Unmarshal(doc, consent); err != nil {
			return nil, fmt.Errorf("failed to decode consent: %w", err)
		}
		if consent.Active(now) {
			active = append(active, consent)
		}
	}

	sortByPriority(active)

	for _, consent := range active {
		if Covers(consent, req) {
			s.cacheConsent(patientID, consent, now)
			return consent, nil
		}
	}

	return nil, nil
}

// sortByPriority orders consents emergency first, then treatment, then by
// descending creation time.
func sortByPriority(consents []*compliance.PatientConsent) {
	rank := func(t compliance.ConsentType) int {
		switch t {
		case compliance.ConsentTypeEmergency:
			return 0
		case compliance.ConsentTypeTreatment:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(consents, func(i, j int) bool {
		ri, rj := rank(consents[i].ConsentType), rank(consents[j].ConsentType)
		if ri != rj {
			return ri < rj
		}
		return consents[i].CreatedAt.After(consents[j].CreatedAt)
	})
}

// Covers reports whether the consent's scope covers the request. For each
// of facility, provider, and service: a requested value must be a member of
// the consent's corresponding set unless that set is empty (unrestricted).
// Every requested data category must appear in the consent's categories.
func Covers(consent *compliance.PatientConsent, req *compliance.ConsentRequest) bool {
	if !scopeMatches(consent.Scope.Facilities, req.FacilityID) {
		return false
	}
	if !scopeMatches(consent.Scope.Providers, req.ProviderID) {
		return false
	}
	if !scopeMatches(consent.Scope.Services, req.ServiceID) {
		return false
	}
	for _, category := range req.DataCategories {
		if !consent.HasCategory(category) {
			return false
		}
	}
	return true
}

func scopeMatches(scope []string, requested string) bool {
	if requested == "" || len(scope) == 0 {
		return true
	}
	for _, v := range scope {
		if v == requested {
			return true
		}
	}
	return false
}

// VerifyScope grades a matched consent against the request: the risk level
// is the maximum sensitivity among the requested data categories, and audit
// is required for high/critical risk or requests spanning more than five
// categories.
func (s *Store) VerifyScope(consent *compliance.PatientConsent, req *compliance.ConsentRequest) *compliance.VerificationResult {
	if !Covers(consent, req) {
		return &compliance.VerificationResult{
			Valid:         false,
			RiskLevel:     compliance.SensitivityHigh,
			AuditRequired: true,
		}
	}

	risk := compliance.SensitivityLow
	for _, requested := range req.DataCategories {
		for _, dc := range consent.DataCategories {
			if dc.Category == requested && dc.Sensitivity.Rank() > risk.Rank() {
				risk = dc.Sensitivity
			}
		}
	}

	var restrictions []string
	if len(consent.Scope.Facilities) > 0 {
		restrictions = append(restrictions, "facilities")
	}
	if len(consent.Scope.Providers) > 0 {
		restrictions = append(restrictions, "providers")
	}
	if len(consent.Scope.Services) > 0 {
		restrictions = append(restrictions, "services")
	}

	return &compliance.VerificationResult{
		Valid:         true,
		RiskLevel:     risk,
		AuditRequired: risk.Rank() >= compliance.SensitivityHigh.Rank() || len(req.DataCategories) > compliance.AuditCategoryThreshold,
		Restrictions:  restrictions,
	}
}

// HandleEmergencyAccess shapes the verification result for a break-glass
// access. It does not authorize anything: the caller must already have
// confirmed the emergency-access permission through the permission catalog.
func (s *Store) HandleEmergencyAccess(req *compliance.ConsentRequest) *compliance.VerificationResult {
	s.logger.Security("emergency_access", "", map[string]interface{}{
		"patient_id":      req.PatientID,
		"data_categories": req.DataCategories,
	})

	return &compliance.VerificationResult{
		Valid:         true,
		RiskLevel:     compliance.SensitivityCritical,
		AuditRequired: true,
	}
}

// GrantConsent persists a new consent record. The signature field is
// encrypted through the collaborator; an encryption failure drops only the
// field, never the record.
func (s *Store) GrantConsent(ctx context.Context, consent *compliance.PatientConsent) error {
	if consent.PatientID == "" {
		return compliance.NewError(
			compliance.ErrorTypeInvalidInput,
			compliance.ErrorCodeInvalidInput,
			"consent requires a patient id",
		)
	}

	if consent.ID == "" {
		consent.ID = uuid.New().String()
	}
	if consent.CreatedAt.IsZero() {
		consent.CreatedAt = time.Now().UTC()
	}
	consent.Status = compliance.ConsentStatusGranted

	if consent.Signature != "" {
		if s.enc == nil {
			s.logger.WithComponent("consent").Warn("No encryptor configured, dropping consent signature")
			consent.Signature = ""
		} else if encrypted, err := s.enc.EncryptString(consent.Signature); err != nil {
			s.logger.WithComponent("consent").WithError(err).Warn("Failed to encrypt consent signature, dropping field")
			consent.Signature = ""
		} else {
			consent.Signature = encrypted
		}
	}

	doc, err := docstore.Marshal(consent)
	if err != nil {
		return fmt.Errorf("failed to encode consent: %w", err)
	}

	if err := s.store.Put(ctx, compliance.CollectionConsents, consent.ID, doc); err != nil {
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to persist consent",
			err,
		).WithContext("", consent.PatientID)
	}

	return nil
}

// RevokeConsent marks a consent revoked (a terminal transition) and evicts
// the patient's cache entry synchronously so a revoked consent can never be
// served from cache.
func (s *Store) RevokeConsent(ctx context.Context, consentID, revokedBy, reason string) error {
	doc, err := s.store.Get(ctx, compliance.CollectionConsents, consentID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return compliance.ErrConsentNotFound
		}
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to load consent",
			err,
		)
	}

	consent := &compliance.PatientConsent{}
	if err := docstore.Unmarshal(doc, consent); err != nil {
		return fmt.Errorf("failed to decode consent: %w", err)
	}

	now := time.Now().UTC()
	consent.Status = compliance.ConsentStatusRevoked
	consent.RevokedAt = &now
	consent.RevokedBy = revokedBy
	consent.RevokedReason = reason

	updated, err := docstore.Marshal(consent)
	if err != nil {
		return fmt.Errorf("failed to encode consent: %w", err)
	}

	if err := s.store.Put(ctx, compliance.CollectionConsents, consentID, updated); err != nil {
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to persist consent revocation",
			err,
		)
	}

	s.evict(consent.PatientID)

	s.logger.Compliance("consent_revoked", revokedBy, map[string]interface{}{
		"consent_id": consentID,
		"patient_id": consent.PatientID,
		"reason":     reason,
	})

	return nil
}

func (s *Store) cachedConsent(patientID string, now time.Time) *compliance.PatientConsent {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[patientID]
	if !ok {
		return nil
	}
	if now.After(entry.expiresAt) {
		delete(s.cache, patientID)
		return nil
	}
	return entry.consent
}

func (s *Store) cacheConsent(patientID string, consent *compliance.PatientConsent, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[patientID] = &cacheEntry{
		consent:   consent,
		expiresAt: now.Add(s.cacheTTL),
	}
}

func (s *Store) evict(patientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, patientID)
}
