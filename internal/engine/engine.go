package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/anneal-io/anneal/internal/metrics"
	"github.com/anneal-io/anneal/internal/registry"
	"github.com/anneal-io/anneal/internal/resource"
	"github.com/anneal-io/anneal/internal/state"
)

const defaultParallelism = 10

// Options configures an Engine. The zero value works: no-op logging and
// metrics, default retry and parallelism.
type Options struct {
	Logger      *zerolog.Logger
	Metrics     *metrics.Metrics
	Retry       *RetryPolicy
	Timeout     time.Duration // bound per resource operation, retries included
	MaxParallel int64         // concurrent provider calls across all scopes
}

// Engine reconciles declared resources against their providers and the
// durable record of previous runs. Callers apply resources in
// dependency order, then Reconcile the scope to delete whatever the
// previous run created that this run no longer declares.
type Engine struct {
	store    state.Store
	registry *registry.Registry
	log      zerolog.Logger
	metrics  *metrics.Metrics
	retry    *RetryPolicy
	timeout  time.Duration
	sem      *semaphore.Weighted
}

// New returns an Engine backed by store and reg.
func New(store state.Store, reg *registry.Registry, opts Options) *Engine {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "engine").Logger()
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	par := opts.MaxParallel
	if par <= 0 {
		par = defaultParallelism
	}
	return &Engine{
		store:    store,
		registry: reg,
		log:      log,
		metrics:  opts.Metrics,
		retry:    retry,
		timeout:  timeout,
		sem:      semaphore.NewWeighted(par),
	}
}

// ApplyOption adjusts a single Apply call.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	dependsOn []string
}

// WithDependsOn records explicit dependency edges beyond those implied
// by references in the props. Teardown deletes dependents before their
// dependencies.
func WithDependsOn(ids ...string) ApplyOption {
	return func(o *applyOptions) { o.dependsOn = append(o.dependsOn, ids...) }
}

// Apply reconciles one declared resource and returns its committed
// output. The phase is derived fresh from the scope's prior record: no
// prior record means create, anything else means update. References in
// props are resolved against committed outputs and recorded as
// dependency edges, so callers must apply a resource's dependencies
// first. Applying the same id twice in one run is a caller bug.
//
// On failure the prior record stays committed untouched, and when one
// existed the id still counts as declared so Reconcile will not treat
// the resource as an orphan.
func (e *Engine) Apply(ctx context.Context, sc *Scope, kind resource.Kind, id string, props resource.Props, opts ...ApplyOption) (resource.Output, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if err := resource.ValidateID(id); err != nil {
		return nil, err
	}
	var ao applyOptions
	for _, o := range opts {
		o(&ao)
	}

	h, err := e.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}

	if err := sc.beginApply(id); err != nil {
		return nil, err
	}
	declared := false
	declaredKind := kind
	defer func() { sc.finishApply(id, declaredKind, declared) }()

	prior, err := e.store.Get(ctx, sc.Name(), id)
	if err != nil {
		return nil, fmt.Errorf("reading state for %q: %w", id, err)
	}
	if prior != nil && prior.Kind != kind {
		// the recorded resource survives this run untouched
		declared = true
		declaredKind = prior.Kind
		return nil, &KindMismatchError{ID: id, Recorded: prior.Kind, Requested: kind}
	}
	hadPrior := prior != nil

	resolved, edges, err := e.resolveProps(ctx, sc, id, props)
	if err != nil {
		declared = hadPrior
		return nil, err
	}
	for _, dep := range ao.dependsOn {
		if dep == id {
			continue
		}
		rec, err := e.store.Get(ctx, sc.Name(), dep)
		if err != nil {
			declared = hadPrior
			return nil, fmt.Errorf("depends_on %q: %w", dep, err)
		}
		if rec == nil {
			declared = hadPrior
			return nil, fmt.Errorf("depends_on %q: no committed resource in scope %q", dep, sc.Name())
		}
		edges = append(edges, dep)
	}
	edges = dedupeSorted(edges)

	phase := resource.PhaseCreate
	if hadPrior {
		phase = resource.PhaseUpdate
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		declared = hadPrior
		return nil, err
	}
	defer e.sem.Release(1)

	release := e.metrics.ApplyStarted()
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	var out resource.Output
	var rc *resource.Context
	err = RetryWithBackoff(opCtx, e.retry, func() error {
		var priorOut resource.Output
		if prior != nil {
			priorOut = prior.Output
		}
		// fresh context per attempt so the build count holds
		rc = resource.NewContext(resource.ContextParams{
			Ctx:   opCtx,
			Phase: phase,
			Scope: sc.Name(),
			Kind:  kind,
			ID:    id,
			Props: resolved,
			Prior: priorOut,
		})
		var applyErr error
		out, applyErr = h.Apply(rc, resolved)
		return applyErr
	}, IsTransientError)
	duration := time.Since(start)

	if err != nil {
		declared = hadPrior
		e.metrics.ObserveApply(string(kind), string(phase), "error", duration)
		e.log.Error().Err(err).
			Str("scope", sc.Name()).Str("kind", string(kind)).Str("id", id).Str("phase", string(phase)).
			Msg("apply failed")
		return nil, fmt.Errorf("apply %s %q: %w", kind, id, err)
	}
	if rc.Builds() != 1 {
		declared = hadPrior
		e.metrics.ObserveApply(string(kind), string(phase), "error", duration)
		return nil, fmt.Errorf("apply %s %q: handler built the output %d times, want exactly once", kind, id, rc.Builds())
	}

	rec := &resource.Record{
		Kind:      kind,
		ID:        id,
		Output:    out,
		DependsOn: edges,
	}
	if err := e.store.Put(ctx, sc.Name(), rec); err != nil {
		declared = hadPrior
		e.metrics.ObserveApply(string(kind), string(phase), "error", duration)
		return nil, fmt.Errorf("committing %s %q: %w", kind, id, err)
	}

	declared = true
	e.metrics.ObserveApply(string(kind), string(phase), "ok", duration)
	e.log.Info().
		Str("scope", sc.Name()).Str("kind", string(kind)).Str("id", id).Str("phase", string(phase)).
		Dur("duration", duration).
		Msg("applied")
	return out.Clone(), nil
}

// resolveProps deep-copies props, substituting every reference with the
// referenced field of a committed output. The ids of all referenced
// resources come back as dependency edges.
func (e *Engine) resolveProps(ctx context.Context, sc *Scope, id string, props resource.Props) (resource.Props, []string, error) {
	if props == nil {
		return nil, nil, nil
	}
	edges := make(map[string]struct{})
	val, err := e.resolveValue(ctx, sc, id, map[string]any(props), edges)
	if err != nil {
		return nil, nil, err
	}
	var out []string
	for dep := range edges {
		out = append(out, dep)
	}
	return resource.Props(val.(map[string]any)), out, nil
}

func (e *Engine) resolveValue(ctx context.Context, sc *Scope, id string, v any, edges map[string]struct{}) (any, error) {
	switch val := v.(type) {
	case resource.Reference:
		return e.resolveRef(ctx, sc, id, val, edges)
	case string:
		if ref, ok := resource.ParseRef(val); ok {
			return e.resolveRef(ctx, sc, id, ref, edges)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := e.resolveValue(ctx, sc, id, elem, edges)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case resource.Props:
		return e.resolveValue(ctx, sc, id, map[string]any(val), edges)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := e.resolveValue(ctx, sc, id, elem, edges)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return resource.CloneValue(v), nil
	}
}

func (e *Engine) resolveRef(ctx context.Context, sc *Scope, id string, ref resource.Reference, edges map[string]struct{}) (any, error) {
	rec, err := e.store.Get(ctx, sc.Name(), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("resolving %s: resource %q has no committed output in scope %q", ref, ref.ID, sc.Name())
	}
	field, ok := rec.Output[ref.Field]
	if !ok {
		return nil, fmt.Errorf("resolving %s: output of %q has no field %q", ref, ref.ID, ref.Field)
	}
	if ref.ID != id {
		edges[ref.ID] = struct{}{}
	}
	return resource.CloneValue(field), nil
}

// Reconcile deletes every recorded resource the current run did not
// declare, dependents first. It runs after the caller has applied all
// declarations. Failures are fail-open: the record is removed anyway
// and the errors come back aggregated.
func (e *Engine) Reconcile(ctx context.Context, sc *Scope) error {
	recs, err := e.store.List(ctx, sc.Name())
	if err != nil {
		return fmt.Errorf("listing scope %q: %w", sc.Name(), err)
	}

	var orphans []*resource.Record
	for _, rec := range recs {
		if !sc.IsDeclared(rec.ID) {
			orphans = append(orphans, rec)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	errs := e.teardown(ctx, sc.Name(), orphans)
	if len(errs) > 0 {
		return &TeardownError{Scope: sc.Name(), Errs: errs}
	}
	return nil
}

// Destroy tears down everything the scope ever recorded, child scopes
// first, then clears the scope's state partition. Further applies on
// the scope are rejected. Failures are fail-open and aggregated; the
// partition ends empty regardless.
func (e *Engine) Destroy(ctx context.Context, sc *Scope) error {
	var errs []error
	for _, child := range sc.markDestroying() {
		if err := e.Destroy(ctx, child); err != nil {
			errs = append(errs, err)
		}
	}

	recs, err := e.store.List(ctx, sc.Name())
	if err != nil {
		return fmt.Errorf("listing scope %q: %w", sc.Name(), err)
	}
	errs = append(errs, e.teardown(ctx, sc.Name(), recs)...)

	if err := e.store.DeleteScope(ctx, sc.Name()); err != nil {
		errs = append(errs, fmt.Errorf("clearing scope %q: %w", sc.Name(), err))
	}

	if len(errs) > 0 {
		return &TeardownError{Scope: sc.Name(), Errs: errs}
	}
	e.log.Info().Str("scope", sc.Name()).Int("resources", len(recs)).Msg("scope destroyed")
	return nil
}

// teardown deletes recs dependents-first and removes each record from
// state whether or not the remote delete succeeded. A delete counts as
// confirmed when the handler returns nil or not-found, or marks the
// context destroyed.
func (e *Engine) teardown(ctx context.Context, scope string, recs []*resource.Record) []error {
	if len(recs) == 0 {
		return nil
	}

	order, orderErr := destructionOrder(recs)
	if orderErr != nil {
		e.log.Warn().Err(orderErr).Str("scope", scope).Msg("teardown ordering degraded")
	}
	byID := make(map[string]*resource.Record, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	var errs []error
	for _, id := range order {
		rec := byID[id]
		if err := e.deleteResource(ctx, scope, rec); err != nil {
			errs = append(errs, err)
			e.metrics.ObserveTeardown("failed")
			e.log.Error().Err(err).
				Str("scope", scope).Str("kind", string(rec.Kind)).Str("id", rec.ID).
				Msg("delete failed, removing record anyway")
		} else {
			e.metrics.ObserveTeardown("ok")
			e.log.Info().
				Str("scope", scope).Str("kind", string(rec.Kind)).Str("id", rec.ID).
				Msg("deleted")
		}
		if err := e.store.Remove(ctx, scope, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("removing record %q: %w", rec.ID, err))
		}
	}
	return errs
}

// deleteResource runs one delete through its handler and reports
// whether remote removal was confirmed.
func (e *Engine) deleteResource(ctx context.Context, scope string, rec *resource.Record) error {
	h, err := e.registry.Lookup(rec.Kind)
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", rec.Kind, rec.ID, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var rc *resource.Context
	err = RetryWithBackoff(opCtx, e.retry, func() error {
		rc = resource.NewContext(resource.ContextParams{
			Ctx:   opCtx,
			Phase: resource.PhaseDelete,
			Scope: scope,
			Kind:  rec.Kind,
			ID:    rec.ID,
			Prior: rec.Output,
		})
		return h.Delete(rc)
	}, IsTransientError)

	if err == nil || IsNotFound(err) || (rc != nil && rc.Destroyed()) {
		return nil
	}
	return fmt.Errorf("delete %s %q: %w", rec.Kind, rec.ID, err)
}

// Decl names one resource for planning.
type Decl struct {
	Kind resource.Kind
	ID   string
}

// PlannedAction is one step a run with the given declarations would
// take.
type PlannedAction struct {
	ID    string
	Kind  resource.Kind
	Phase resource.Phase
}

// Plan previews a run without touching providers: each declaration maps
// to create or update from the scope's records, and every recorded
// resource missing from decls becomes a delete, in teardown order.
func (e *Engine) Plan(ctx context.Context, sc *Scope, decls []Decl) ([]PlannedAction, error) {
	declared := make(map[string]struct{}, len(decls))
	var actions []PlannedAction

	for _, d := range decls {
		if err := d.Kind.Validate(); err != nil {
			return nil, err
		}
		if err := resource.ValidateID(d.ID); err != nil {
			return nil, err
		}
		if _, ok := declared[d.ID]; ok {
			return nil, fmt.Errorf("resource %q declared twice", d.ID)
		}
		declared[d.ID] = struct{}{}

		prior, err := e.store.Get(ctx, sc.Name(), d.ID)
		if err != nil {
			return nil, fmt.Errorf("reading state for %q: %w", d.ID, err)
		}
		switch {
		case prior == nil:
			actions = append(actions, PlannedAction{ID: d.ID, Kind: d.Kind, Phase: resource.PhaseCreate})
		case prior.Kind != d.Kind:
			return nil, &KindMismatchError{ID: d.ID, Recorded: prior.Kind, Requested: d.Kind}
		default:
			actions = append(actions, PlannedAction{ID: d.ID, Kind: d.Kind, Phase: resource.PhaseUpdate})
		}
	}

	recs, err := e.store.List(ctx, sc.Name())
	if err != nil {
		return nil, fmt.Errorf("listing scope %q: %w", sc.Name(), err)
	}
	var orphans []*resource.Record
	byID := make(map[string]*resource.Record, len(recs))
	for _, rec := range recs {
		if _, ok := declared[rec.ID]; !ok {
			orphans = append(orphans, rec)
			byID[rec.ID] = rec
		}
	}
	if len(orphans) > 0 {
		order, _ := destructionOrder(orphans)
		for _, id := range order {
			actions = append(actions, PlannedAction{ID: id, Kind: byID[id].Kind, Phase: resource.PhaseDelete})
		}
	}
	return actions, nil
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
