// Package audit implements the batched audit log pipeline: events are
// gated at enqueue time, buffered in order, and committed to the document
// store in atomic batches with a best-effort durability policy.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/identity"
	"github.com/carewell/compliance-core/pkg/logger"
)

// Drop reasons reported by the enqueue gate
const (
	DropReasonUnauthenticated = "unauthenticated"
	DropReasonUnverifiedEmail = "unverified_email"
	DropReasonDisabled        = "disabled"
	DropReasonIdentityError   = "identity_error"
)

var (
	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events rejected by the enqueue gate, by reason.",
	}, []string{"reason"})

	persistedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_persisted_total",
		Help: "Audit entries successfully committed to the document store.",
	})

	discardedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_discarded_total",
		Help: "Audit entries lost when a batch commit failed.",
	})

	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_flush_failures_total",
		Help: "Failed audit batch commits.",
	})
)

// Pipeline buffers audit events and commits them in batches. At most one
// flush is in flight at a time; a failed batch is discarded, not retried,
// so that audit persistence never blocks the primary access path.
type Pipeline struct {
	store    docstore.Store
	identity identity.Provider
	logger   *logger.Logger

	batchSize  int
	interval   time.Duration
	durability compliance.DurabilityPolicy

	mu       sync.Mutex
	queue    []*compliance.AuditLogEntry
	flushing bool
	enabled  bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithBatchSize overrides the default batch size of 500
func WithBatchSize(n int) Option {
	return func(p *Pipeline) { p.batchSize = n }
}

// WithFlushInterval overrides the default 5-second background flush period
func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// NewPipeline creates an enabled pipeline. Call Start to run the background
// flusher; Enqueue and Flush work without it for synchronous use.
func NewPipeline(store docstore.Store, provider identity.Provider, log *logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		identity:   provider,
		logger:     log,
		batchSize:  compliance.DefaultAuditBatchSize,
		interval:   compliance.DefaultAuditFlushPeriod,
		durability: compliance.DurabilityBestEffort,
		enabled:    true,
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue gates and buffers an event. Gating happens now, not at flush
// time: the event is accepted only when the current principal is
// authenticated, their email is verified or the action is critical, and the
// pipeline is enabled. Rejected events are dropped without signalling the
// caller; the drop is counted so the gap is observable.
func (p *Pipeline) Enqueue(ctx context.Context, event *compliance.AuditEvent) {
	principal, err := p.identity.CurrentPrincipal(ctx)
	if err != nil {
		droppedEvents.WithLabelValues(DropReasonIdentityError).Inc()
		p.logger.WithComponent("audit").WithError(err).Warn("Identity provider unavailable, dropping audit event")
		return
	}
	if principal == nil {
		droppedEvents.WithLabelValues(DropReasonUnauthenticated).Inc()
		return
	}
	if !principal.EmailVerified && !event.Critical {
		droppedEvents.WithLabelValues(DropReasonUnverifiedEmail).Inc()
		return
	}

	entry := &compliance.AuditLogEntry{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		ActorID:       principal.ID,
		ActorEmail:    principal.Email,
		Action:        event.Action,
		ResourceType:  event.ResourceType,
		ResourceID:    event.ResourceID,
		ActionType:    event.ActionType,
		ActionResult:  event.ActionResult,
		CorrelationID: event.CorrelationID,
		RequestID:     event.RequestID,
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = contextString(ctx, "correlation_id")
	}
	if entry.RequestID == "" {
		entry.RequestID = contextString(ctx, "request_id")
	}

	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		droppedEvents.WithLabelValues(DropReasonDisabled).Inc()
		return
	}
	p.queue = append(p.queue, entry)
	alreadyFlushing := p.flushing
	p.mu.Unlock()

	// Kick the background flusher right away unless a flush is in flight.
	if !alreadyFlushing {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

// contextString reads a request-scoped string value, matching the keys the
// logger uses for request correlation.
func contextString(ctx context.Context, key string) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Start launches the background flusher: a timer flush every interval plus
// the immediate flush requested after each enqueue.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.flushOnce(context.Background())
			case <-p.notify:
				p.flushOnce(context.Background())
			}
		}
	}()
}

// Stop halts the background flusher after a final flush attempt
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
	_ = p.Flush(context.Background())
}

func (p *Pipeline) flushOnce(ctx context.Context) {
	if err := p.Flush(ctx); err != nil {
		p.logger.WithComponent("audit").WithError(err).Warn("Degraded mode: audit batch discarded")
	}
}

// Flush drains the queue in batches and commits each batch atomically. On
// success it keeps going while the queue is non-empty; on failure the
// attempted batch is discarded per the best-effort durability policy and
// the error is returned. Re-entrancy is guarded so at most one flush runs
// at a time.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.flushing || len(p.queue) == 0 {
		p.mu.Unlock()
		return nil
	}
	p.flushing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.flushing = false
		p.mu.Unlock()
	}()

	for {
		batch := p.drainBatch()
		if len(batch) == 0 {
			return nil
		}

		docs := make(map[string]docstore.Document, len(batch))
		for _, entry := range batch {
			doc, err := docstore.Marshal(entry)
			if err != nil {
				// An unencodable entry cannot be persisted; skip it rather
				// than poison the batch.
				p.logger.WithComponent("audit").WithError(err).Warn("Skipping unencodable audit entry")
				continue
			}
			docs[entry.ID] = doc
		}

		if err := p.store.PutBatch(ctx, compliance.CollectionAuditLog, docs); err != nil {
			flushFailures.Inc()
			discardedEntries.Add(float64(len(batch)))
			return compliance.NewErrorWithCause(
				compliance.ErrorTypeDegradedWrite,
				compliance.ErrorCodeDegradedWrite,
				"audit batch commit failed, batch discarded",
				err,
			)
		}
		persistedEntries.Add(float64(len(docs)))
	}
}

// drainBatch removes up to batchSize entries from the head of the queue,
// preserving enqueue order.
func (p *Pipeline) drainBatch() []*compliance.AuditLogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	if n == 0 {
		return nil
	}
	if n > p.batchSize {
		n = p.batchSize
	}

	batch := p.queue[:n]
	p.queue = append([]*compliance.AuditLogEntry(nil), p.queue[n:]...)
	return batch
}

// Enable resumes event acceptance
func (p *Pipeline) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable stops accepting events and clears the queue immediately
func (p *Pipeline) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.queue = nil
}

// QueueDepth reports the number of buffered entries
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
