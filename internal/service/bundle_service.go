package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	celeval "github.com/toolwarden/toolwarden/internal/adapter/outbound/cel"
	"github.com/toolwarden/toolwarden/internal/adapter/outbound/state"
	"github.com/toolwarden/toolwarden/internal/domain/bundle"
)

const (
	// DefaultDebounce coalesces bursts of change events into one rebuild.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultReconcileInterval bounds staleness when notifications are
	// lost: the builder rebuilds unconditionally at this interval.
	DefaultReconcileInterval = 5 * time.Minute
)

// StateLoader provides one logical read of the authoritative policy
// state.
type StateLoader interface {
	Load() (*state.PolicyState, error)
}

// Publisher receives each newly built bundle, compiled and ready for the
// fast path.
type Publisher interface {
	Publish(cb *CompiledBundle)
}

// artifact is the serving form of a built bundle.
type artifact struct {
	data     []byte
	revision string
}

// BundleBuilder builds immutable policy bundles from the authoritative
// store and distributes them: compiled snapshots to the in-process fast
// path, content-addressed artifacts to pull-based consumers.
type BundleBuilder struct {
	loader    StateLoader
	events    <-chan state.Event
	publisher Publisher
	evaluator *celeval.Evaluator
	logger    *slog.Logger

	debounce  time.Duration
	reconcile time.Duration

	current atomic.Pointer[artifact]

	// buildMu serializes rebuilds; the debounce and reconcile triggers
	// may otherwise race.
	buildMu sync.Mutex

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// BuilderOption configures a BundleBuilder.
type BuilderOption func(*BundleBuilder)

// WithDebounce sets the event coalescing window.
func WithDebounce(d time.Duration) BuilderOption {
	return func(b *BundleBuilder) {
		if d > 0 {
			b.debounce = d
		}
	}
}

// WithReconcileInterval sets the unconditional rebuild interval.
func WithReconcileInterval(d time.Duration) BuilderOption {
	return func(b *BundleBuilder) {
		if d > 0 {
			b.reconcile = d
		}
	}
}

// NewBundleBuilder creates a builder reading from loader, triggered by
// events, publishing to publisher.
func NewBundleBuilder(loader StateLoader, events <-chan state.Event, publisher Publisher, logger *slog.Logger, opts ...BuilderOption) (*BundleBuilder, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create rule evaluator: %w", err)
	}
	b := &BundleBuilder{
		loader:    loader,
		events:    events,
		publisher: publisher,
		evaluator: evaluator,
		logger:    logger,
		debounce:  DefaultDebounce,
		reconcile: DefaultReconcileInterval,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Rebuild performs one full build cycle: fetch state, assemble, hash,
// validate, compile, publish. A build failure leaves the previous bundle
// in force and surfaces only through the returned error and logs, never
// to in-flight decisions.
func (b *BundleBuilder) Rebuild(ctx context.Context, sourceEvent string) error {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()

	st, err := b.loader.Load()
	if err != nil {
		return fmt.Errorf("load authoritative state: %w", err)
	}

	bd := &bundle.Bundle{
		Catalog:     st.Catalog,
		Grants:      st.Grants,
		Profiles:    st.Profiles,
		Overrides:   st.Overrides,
		Classifiers: st.Classifiers,
		Extractors:  st.Extractors,
		Rules:       st.Rules,
		Routes:      st.Routes,
		Token:       st.Token,
	}

	revision, err := bd.ComputeRevision()
	if err != nil {
		return err
	}
	if cur := b.current.Load(); cur != nil && cur.revision == revision {
		b.logger.Debug("bundle unchanged, skipping publish", "revision", revision)
		return nil
	}

	bd.Meta = bundle.Meta{
		Revision:    revision,
		BuiltAt:     time.Now().UTC(),
		SourceEvent: sourceEvent,
	}

	cb, err := CompileBundle(bd, b.evaluator)
	if err != nil {
		return fmt.Errorf("bundle %s rejected: %w", revision, err)
	}

	data, err := bd.Marshal()
	if err != nil {
		return err
	}

	// Publish order: artifact first, then the fast path. Consumers of
	// either always see a complete bundle, old or new.
	b.current.Store(&artifact{data: data, revision: revision})
	if b.publisher != nil {
		b.publisher.Publish(cb)
	}

	b.logger.Info("bundle built",
		"revision", revision,
		"rules", len(bd.Rules),
		"source_event", sourceEvent,
	)
	return nil
}

// Artifact implements conditional fetch. When ifRevision matches the
// current revision it returns modified=false and no data (the caller's
// copy is current). Otherwise it returns the full artifact.
func (b *BundleBuilder) Artifact(ifRevision string) (data []byte, revision string, modified bool) {
	cur := b.current.Load()
	if cur == nil {
		return nil, "", false
	}
	if ifRevision != "" && ifRevision == cur.revision {
		return nil, cur.revision, false
	}
	return cur.data, cur.revision, true
}

// Revision returns the current artifact revision, or "".
func (b *BundleBuilder) Revision() string {
	if cur := b.current.Load(); cur != nil {
		return cur.revision
	}
	return ""
}

// Start launches the trigger loop: an initial build, then debounced
// push notifications plus the reconciliation ticker.
func (b *BundleBuilder) Start(ctx context.Context) {
	if err := b.Rebuild(ctx, "startup"); err != nil {
		b.logger.Error("initial bundle build failed", "error", err)
	}
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop terminates the trigger loop and waits for it.
// Safe to call multiple times.
func (b *BundleBuilder) Stop() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

// run is the trigger loop. Events arm a debounce timer; its expiry and
// the reconcile ticker are the only two rebuild sources.
func (b *BundleBuilder) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.reconcile)
	defer ticker.Stop()

	var (
		debounce   *time.Timer
		debounceCh <-chan time.Time
		pending    string
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
			debounceCh = nil
		}
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return

		case ev, ok := <-b.events:
			if !ok {
				// Notification channel gone; reconciliation still bounds
				// staleness.
				b.events = nil
				continue
			}
			pending = ev.ID
			if debounce == nil {
				debounce = time.NewTimer(b.debounce)
				debounceCh = debounce.C
			} else {
				if !debounce.Stop() {
					<-debounce.C
				}
				debounce.Reset(b.debounce)
			}

		case <-debounceCh:
			stopDebounce()
			if err := b.Rebuild(ctx, pending); err != nil {
				b.logger.Error("bundle rebuild failed", "source_event", pending, "error", err)
			}
			pending = ""

		case <-ticker.C:
			if err := b.Rebuild(ctx, "reconcile"); err != nil {
				b.logger.Error("reconcile rebuild failed", "error", err)
			}
		}
	}
}
