package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/anneal-io/anneal/internal/config"
	"github.com/anneal-io/anneal/internal/engine"
	"github.com/anneal-io/anneal/internal/logging"
	"github.com/anneal-io/anneal/internal/metrics"
	"github.com/anneal-io/anneal/internal/registry"
	"github.com/anneal-io/anneal/internal/resource"
	"github.com/anneal-io/anneal/internal/state"
	"github.com/anneal-io/anneal/providers/memory"
	"github.com/anneal-io/anneal/providers/null"
)

// runtime bundles what a command needs: the state store, the engine and
// the scrubbed logger.
type runtime struct {
	store state.Store
	eng   *engine.Engine
	log   zerolog.Logger
	scrub *logging.Scrubber
	met   *metrics.Metrics
}

func newRuntime(ctx context.Context, parallelism int64) (*runtime, error) {
	log, scrub, err := logging.New(logging.Options{Level: flagLogLevel, Console: !flagLogJSON})
	if err != nil {
		return nil, err
	}

	sealer, err := state.SealerFromEnv()
	if err != nil {
		return nil, err
	}
	if sealer == nil {
		log.Warn().Msgf("%s not set, secret outputs cannot be persisted", state.EncryptionKeyEnvVar)
	}

	path := flagStateDir
	if flagBackend == "sqlite" {
		path = flagDB
	}
	store, err := state.Open(ctx, state.Config{
		Backend:   flagBackend,
		Path:      path,
		Bucket:    flagBucket,
		Prefix:    flagPrefix,
		Region:    flagRegion,
		LockTable: flagLockTable,
	}, sealer)
	if err != nil {
		return nil, fmt.Errorf("opening state backend: %w", err)
	}

	// the bundled providers; embedders register their own handlers
	reg := registry.New()
	if err := memory.Register(reg, memory.NewService()); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := null.Register(reg); err != nil {
		_ = store.Close()
		return nil, err
	}

	met := metrics.New()
	eng := engine.New(store, reg, engine.Options{
		Logger:      &log,
		Metrics:     met,
		MaxParallel: parallelism,
	})
	return &runtime{store: store, eng: eng, log: log, scrub: scrub, met: met}, nil
}

func (r *runtime) Close() {
	_ = r.store.Close()
}

// lockScope takes the cross-process scope lock when the backend
// supports one.
func (r *runtime) lockScope(ctx context.Context, scope string) (func(), error) {
	locker, ok := r.store.(state.Locker)
	if !ok {
		return func() {}, nil
	}
	release, err := locker.Lock(ctx, scope)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(); err != nil {
			r.log.Warn().Err(err).Str("scope", scope).Msg("releasing scope lock")
		}
	}, nil
}

func loadStack(args []string) (*config.Stack, error) {
	path := defaultStackFile
	if len(args) > 0 {
		path = args[0]
	}
	return config.Load(path)
}

const defaultStackFile = "anneal.yaml"

// declProps returns the props for one declaration with the adopt flag
// folded in, since handlers read adoption policy from props.
func declProps(res *config.Resource) resource.Props {
	if !res.Adopt {
		return resource.Props(res.Props)
	}
	props := make(resource.Props, len(res.Props)+1)
	for k, v := range res.Props {
		props[k] = v
	}
	props["adopt"] = true
	return props
}

func decls(st *config.Stack) []engine.Decl {
	out := make([]engine.Decl, len(st.Resources))
	for i, res := range st.Resources {
		out[i] = engine.Decl{Kind: resource.Kind(res.Kind), ID: res.ID}
	}
	return out
}

// applyStack runs one full reconciliation of st: sequential applies in
// file order, then orphan deletion. Orphan deletion is skipped when any
// apply fails so undeclared-but-unreached resources are never torn down
// by accident.
func applyStack(ctx context.Context, rt *runtime, st *config.Stack, each func(res *config.Resource, out resource.Output)) error {
	sc := engine.NewScope(st.Scope)
	for _, res := range st.Resources {
		var opts []engine.ApplyOption
		if len(res.DependsOn) > 0 {
			opts = append(opts, engine.WithDependsOn(res.DependsOn...))
		}
		out, err := rt.eng.Apply(ctx, sc, resource.Kind(res.Kind), res.ID, declProps(res), opts...)
		if err != nil {
			return err
		}
		if each != nil {
			each(res, out)
		}
	}
	return rt.eng.Reconcile(ctx, sc)
}

// renderActions prints one line per planned action, colored by phase.
func renderActions(actions []engine.PlannedAction) {
	for _, a := range actions {
		symbol, color := "~", "\033[33m"
		switch a.Phase {
		case resource.PhaseCreate:
			symbol, color = "+", "\033[32m"
		case resource.PhaseDelete:
			symbol, color = "-", "\033[31m"
		}
		fmt.Printf("  %s%s %s.%s\033[0m\n", color, symbol, a.Kind, a.ID)
	}
}

func renderSummary(actions []engine.PlannedAction) (create, update, del int) {
	for _, a := range actions {
		switch a.Phase {
		case resource.PhaseCreate:
			create++
		case resource.PhaseUpdate:
			update++
		case resource.PhaseDelete:
			del++
		}
	}
	fmt.Printf("\nPlan: %d to create, %d to update, %d to delete.\n", create, update, del)
	return create, update, del
}

func confirm(prompt string) bool {
	fmt.Printf("%s (y/n): ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}
