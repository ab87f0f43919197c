package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneal-io/anneal/internal/registry"
	"github.com/anneal-io/anneal/internal/resource"
	"github.com/anneal-io/anneal/internal/state"
)

func testStore(t *testing.T) state.Store {
	t.Helper()
	sealer, err := state.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store, err := state.NewFileStore(t.TempDir(), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testEngine(t *testing.T, reg *registry.Registry) (*Engine, state.Store) {
	t.Helper()
	store := testStore(t)
	return New(store, reg, Options{Retry: fastRetry()}), store
}

// countingHandler records phases and delete order and builds outputs
// with a synthetic remote id.
type countingHandler struct {
	mu        sync.Mutex
	applies   []resource.Phase
	deletes   []string
	priors    []resource.Output
	applyErr  func(attempt int) error
	deleteErr func(id string) error
}

func (h *countingHandler) Apply(rc *resource.Context, props resource.Props) (resource.Output, error) {
	h.mu.Lock()
	attempt := len(h.applies)
	h.applies = append(h.applies, rc.Phase())
	h.priors = append(h.priors, rc.Prior())
	h.mu.Unlock()
	if h.applyErr != nil {
		if err := h.applyErr(attempt); err != nil {
			return nil, err
		}
	}
	return rc.BuildOutput(resource.Output{"remote_id": "r-" + rc.ID()}), nil
}

func (h *countingHandler) Delete(rc *resource.Context) error {
	h.mu.Lock()
	h.deletes = append(h.deletes, rc.ID())
	h.mu.Unlock()
	if h.deleteErr != nil {
		if err := h.deleteErr(rc.ID()); err != nil {
			return err
		}
	}
	rc.MarkDestroyed()
	return nil
}

func (h *countingHandler) deleteOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deletes...)
}

func TestApply_CreateThenUpdate(t *testing.T) {
	h := &countingHandler{}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	out, err := eng.Apply(ctx, NewScope("app"), "test::Widget", "w1", resource.Props{"size": "small"})
	require.NoError(t, err)
	assert.Equal(t, "small", out["size"])
	assert.Equal(t, "r-w1", out["remote_id"])

	// next run: a prior record exists, so the phase is update
	out, err = eng.Apply(ctx, NewScope("app"), "test::Widget", "w1", resource.Props{"size": "large"})
	require.NoError(t, err)
	assert.Equal(t, "large", out["size"])

	assert.Equal(t, []resource.Phase{resource.PhaseCreate, resource.PhaseUpdate}, h.applies)
	require.Len(t, h.priors, 2)
	assert.Nil(t, h.priors[0])
	require.NotNil(t, h.priors[1])
	assert.Equal(t, "small", h.priors[1]["size"])

	rec, err := store.Get(ctx, "app", "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Seq, "replace keeps the creation sequence")
	assert.Equal(t, "large", rec.Output["size"])
}

func TestApply_DuplicateDeclarationRejected(t *testing.T) {
	reg := registry.New()
	reg.MustRegister("test::Widget", &countingHandler{})
	eng, _ := testEngine(t, reg)
	sc := NewScope("app")

	_, err := eng.Apply(context.Background(), sc, "test::Widget", "w1", nil)
	require.NoError(t, err)

	_, err = eng.Apply(context.Background(), sc, "test::Widget", "w1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already declared")
}

func TestApply_KindMismatch(t *testing.T) {
	reg := registry.New()
	reg.MustRegister("test::Widget", &countingHandler{})
	gadgets := &countingHandler{}
	reg.MustRegister("test::Gadget", gadgets)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	_, err := eng.Apply(ctx, NewScope("app"), "test::Widget", "thing", nil)
	require.NoError(t, err)

	sc := NewScope("app")
	_, err = eng.Apply(ctx, sc, "test::Gadget", "thing", nil)
	require.Error(t, err)
	assert.True(t, IsKindMismatch(err))
	var km *KindMismatchError
	require.ErrorAs(t, err, &km)
	assert.Equal(t, resource.Kind("test::Widget"), km.Recorded)
	assert.Equal(t, resource.Kind("test::Gadget"), km.Requested)
	assert.Empty(t, gadgets.applies, "mismatched apply never reaches the handler")

	// the recorded resource is not an orphan for this run
	require.NoError(t, eng.Reconcile(ctx, sc))
	rec, err := store.Get(ctx, "app", "thing")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, resource.Kind("test::Widget"), rec.Kind)
}

func TestApply_ReferenceResolution(t *testing.T) {
	var seen resource.Props
	h := resource.HandlerFuncs{
		ApplyFunc: func(rc *resource.Context, props resource.Props) (resource.Output, error) {
			if rc.ID() == "b" {
				seen = props
			}
			return rc.BuildOutput(resource.Output{"remote_id": "r-" + rc.ID()}), nil
		},
	}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()
	sc := NewScope("app")

	_, err := eng.Apply(ctx, sc, "test::Widget", "a", resource.Props{"name": "base"})
	require.NoError(t, err)

	_, err = eng.Apply(ctx, sc, "test::Widget", "b", resource.Props{
		"parent": resource.Ref("a", "remote_id").String(),
		"nested": map[string]any{"again": resource.Ref("a", "name")},
	})
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "r-a", seen["parent"], "string form resolves")
	assert.Equal(t, "base", seen["nested"].(map[string]any)["again"], "typed form resolves")

	rec, err := store.Get(ctx, "app", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.DependsOn, "references record dependency edges")
}

func TestApply_UnresolvedReferenceFails(t *testing.T) {
	reg := registry.New()
	reg.MustRegister("test::Widget", &countingHandler{})
	eng, _ := testEngine(t, reg)

	_, err := eng.Apply(context.Background(), NewScope("app"), "test::Widget", "b", resource.Props{
		"parent": resource.Ref("missing", "remote_id").String(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no committed output")
}

func TestApply_WithDependsOn(t *testing.T) {
	reg := registry.New()
	reg.MustRegister("test::Widget", &countingHandler{})
	eng, store := testEngine(t, reg)
	ctx := context.Background()
	sc := NewScope("app")

	_, err := eng.Apply(ctx, sc, "test::Widget", "a", nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, sc, "test::Widget", "b", nil, WithDependsOn("a"))
	require.NoError(t, err)

	rec, err := store.Get(ctx, "app", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.DependsOn)

	_, err = eng.Apply(ctx, sc, "test::Widget", "c", nil, WithDependsOn("nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no committed resource")
}

func TestApply_FailedUpdateKeepsPriorAndDeclares(t *testing.T) {
	h := &countingHandler{}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	_, err := eng.Apply(ctx, NewScope("app"), "test::Widget", "w1", resource.Props{"size": "small"})
	require.NoError(t, err)

	h.applyErr = func(int) error { return fmt.Errorf("remote rejected the change") }
	sc := NewScope("app")
	_, err = eng.Apply(ctx, sc, "test::Widget", "w1", resource.Props{"size": "large"})
	require.Error(t, err)

	rec, err := store.Get(ctx, "app", "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "small", rec.Output["size"], "failed update leaves the prior output committed")

	// a failed update still counts as declared for orphan detection
	require.NoError(t, eng.Reconcile(ctx, sc))
	rec, err = store.Get(ctx, "app", "w1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestApply_BuildOutputExactlyOnce(t *testing.T) {
	never := resource.HandlerFuncs{
		ApplyFunc: func(rc *resource.Context, props resource.Props) (resource.Output, error) {
			return resource.Output{"remote_id": "x"}, nil
		},
	}
	twice := resource.HandlerFuncs{
		ApplyFunc: func(rc *resource.Context, props resource.Props) (resource.Output, error) {
			rc.BuildOutput(nil)
			return rc.BuildOutput(nil), nil
		},
	}
	reg := registry.New()
	reg.MustRegister("test::Never", never)
	reg.MustRegister("test::Twice", twice)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	_, err := eng.Apply(ctx, NewScope("app"), "test::Never", "a", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly once")

	_, err = eng.Apply(ctx, NewScope("app"), "test::Twice", "b", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly once")

	recs, err := store.List(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing commits without a single build")
}

func TestApply_RetryOnTransient(t *testing.T) {
	h := &countingHandler{
		applyErr: func(attempt int) error {
			if attempt < 2 {
				return fmt.Errorf("throttled, try later")
			}
			return nil
		},
	}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	out, err := eng.Apply(ctx, NewScope("app"), "test::Widget", "w1", nil)
	require.NoError(t, err)
	assert.Equal(t, "r-w1", out["remote_id"])
	assert.Len(t, h.applies, 3)

	rec, err := store.Get(ctx, "app", "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Seq, "retries converge on one record")
}

// adoptHandler fakes a remote service with natural-key uniqueness.
type adoptHandler struct {
	mu     sync.Mutex
	byName map[string]string
	next   int
}

func (h *adoptHandler) Apply(rc *resource.Context, props resource.Props) (resource.Output, error) {
	name, _ := props["name"].(string)
	h.mu.Lock()
	defer h.mu.Unlock()

	if rc.Phase() == resource.PhaseUpdate {
		rid, _ := rc.Prior()["remote_id"].(string)
		return rc.BuildOutput(resource.Output{"remote_id": rid}), nil
	}
	if rid, ok := h.byName[name]; ok {
		if adopt, _ := props["adopt"].(bool); !adopt {
			return nil, &ConflictError{Kind: rc.Kind(), ID: rc.ID(), Key: name}
		}
		return rc.BuildOutput(resource.Output{"remote_id": rid}), nil
	}
	h.next++
	rid := fmt.Sprintf("p-%d", h.next)
	h.byName[name] = rid
	return rc.BuildOutput(resource.Output{"remote_id": rid}), nil
}

func (h *adoptHandler) Delete(rc *resource.Context) error {
	rid, _ := rc.Prior()["remote_id"].(string)
	h.mu.Lock()
	for name, id := range h.byName {
		if id == rid {
			delete(h.byName, name)
		}
	}
	h.mu.Unlock()
	rc.MarkDestroyed()
	return nil
}

func TestApply_AdoptOnConflict(t *testing.T) {
	h := &adoptHandler{byName: map[string]string{}}
	reg := registry.New()
	reg.MustRegister("test::Project", h)
	eng, _ := testEngine(t, reg)
	ctx := context.Background()

	out, err := eng.Apply(ctx, NewScope("one"), "test::Project", "site", resource.Props{"name": "shared"})
	require.NoError(t, err)
	existing := out["remote_id"]

	// same natural key from a different scope: conflict without adopt
	_, err = eng.Apply(ctx, NewScope("two"), "test::Project", "site", resource.Props{"name": "shared"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "adopt")

	out, err = eng.Apply(ctx, NewScope("three"), "test::Project", "site", resource.Props{"name": "shared", "adopt": true})
	require.NoError(t, err)
	assert.Equal(t, existing, out["remote_id"], "adopt binds to the existing remote object")
	assert.Len(t, h.byName, 1, "adopt creates nothing new")
}

func TestReconcile_DeletesOrphans(t *testing.T) {
	h := &countingHandler{}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	sc1 := NewScope("app")
	_, err := eng.Apply(ctx, sc1, "test::Widget", "a", nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, sc1, "test::Widget", "b", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(ctx, sc1))
	assert.Empty(t, h.deleteOrder())

	// next run drops b from the declarations
	sc2 := NewScope("app")
	_, err = eng.Apply(ctx, sc2, "test::Widget", "a", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(ctx, sc2))

	assert.Equal(t, []string{"b"}, h.deleteOrder())
	recs, err := store.List(ctx, "app")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
}

func TestDestroy_ReverseOrderAndEmptyScope(t *testing.T) {
	h := &countingHandler{}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()
	sc := NewScope("app")

	_, err := eng.Apply(ctx, sc, "test::Widget", "a", resource.Props{"name": "base"})
	require.NoError(t, err)
	_, err = eng.Apply(ctx, sc, "test::Widget", "b", resource.Props{"parent": resource.Ref("a", "remote_id").String()})
	require.NoError(t, err)
	_, err = eng.Apply(ctx, sc, "test::Widget", "c", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Destroy(ctx, sc))
	assert.Equal(t, []string{"c", "b", "a"}, h.deleteOrder(), "newest first, dependents before dependencies")

	recs, err := store.List(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = eng.Apply(ctx, sc, "test::Widget", "d", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "being destroyed")
}

func TestDestroy_FailOpen(t *testing.T) {
	h := &countingHandler{
		deleteErr: func(id string) error {
			if id == "b" {
				return fmt.Errorf("remote refuses deletion")
			}
			return nil
		},
	}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()
	sc := NewScope("app")

	_, err := eng.Apply(ctx, sc, "test::Widget", "a", nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, sc, "test::Widget", "b", nil)
	require.NoError(t, err)

	err = eng.Destroy(ctx, sc)
	require.Error(t, err)
	var te *TeardownError
	require.ErrorAs(t, err, &te)
	require.Len(t, te.Errs, 1)
	assert.Contains(t, te.Errs[0].Error(), `"b"`)

	// fail-open: the record is gone even though the remote delete failed
	recs, err := store.List(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Contains(t, h.deleteOrder(), "a")
}

func TestDestroy_NotFoundIsConfirmed(t *testing.T) {
	h := &countingHandler{
		deleteErr: func(id string) error {
			return &NotFoundError{Kind: "test::Widget", Key: id}
		},
	}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()
	sc := NewScope("app")

	_, err := eng.Apply(ctx, sc, "test::Widget", "a", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Destroy(ctx, sc), "already gone counts as success")
	recs, err := store.List(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDestroy_ChildScopesFirst(t *testing.T) {
	h := &countingHandler{}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, store := testEngine(t, reg)
	ctx := context.Background()

	parent := NewScope("app")
	child := parent.Child("web")
	assert.Equal(t, "app/web", child.Name())

	_, err := eng.Apply(ctx, parent, "test::Widget", "base", nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, child, "test::Widget", "leaf", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Destroy(ctx, parent))
	assert.Equal(t, []string{"leaf", "base"}, h.deleteOrder())

	for _, scope := range []string{"app", "app/web"} {
		recs, err := store.List(ctx, scope)
		require.NoError(t, err)
		assert.Empty(t, recs, scope)
	}
}

func TestApply_SecretNeverPlaintextInState(t *testing.T) {
	dir := t.TempDir()
	sealer, err := state.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store, err := state.NewFileStore(dir, sealer)
	require.NoError(t, err)
	defer store.Close()

	reg := registry.New()
	reg.MustRegister("test::Token", &countingHandler{})
	eng := New(store, reg, Options{Retry: fastRetry()})
	ctx := context.Background()

	const plaintext = "tok-4f9d2c81e7b3"
	out, err := eng.Apply(ctx, NewScope("app"), "test::Token", "tok", resource.Props{
		"value": resource.NewSecret(plaintext),
	})
	require.NoError(t, err)

	sec, ok := out["value"].(resource.Secret)
	require.True(t, ok, "secrets stay typed through the apply")
	assert.Equal(t, plaintext, sec.Reveal())

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), plaintext, path)
		return nil
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "app", "tok")
	require.NoError(t, err)
	got, ok := rec.Output["value"].(resource.Secret)
	require.True(t, ok)
	assert.Equal(t, plaintext, got.Reveal())
}

func TestApply_ConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	h := resource.HandlerFuncs{
		ApplyFunc: func(rc *resource.Context, props resource.Props) (resource.Output, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return rc.BuildOutput(nil), nil
		},
	}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	store := testStore(t)
	eng := New(store, reg, Options{Retry: fastRetry(), MaxParallel: 2})

	sc := NewScope("app")
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := eng.Apply(context.Background(), sc, "test::Widget", fmt.Sprintf("w%d", n), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2, "provider calls stay under the parallelism bound")
}

func TestPlan_Preview(t *testing.T) {
	h := &countingHandler{}
	reg := registry.New()
	reg.MustRegister("test::Widget", h)
	eng, _ := testEngine(t, reg)
	ctx := context.Background()

	sc := NewScope("app")
	_, err := eng.Apply(ctx, sc, "test::Widget", "a", nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, sc, "test::Widget", "b", nil)
	require.NoError(t, err)
	applyCalls := len(h.applies)

	actions, err := eng.Plan(ctx, NewScope("app"), []Decl{
		{Kind: "test::Widget", ID: "a"},
		{Kind: "test::Widget", ID: "c"},
	})
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, PlannedAction{ID: "a", Kind: "test::Widget", Phase: resource.PhaseUpdate}, actions[0])
	assert.Equal(t, PlannedAction{ID: "c", Kind: "test::Widget", Phase: resource.PhaseCreate}, actions[1])
	assert.Equal(t, PlannedAction{ID: "b", Kind: "test::Widget", Phase: resource.PhaseDelete}, actions[2])

	assert.Len(t, h.applies, applyCalls, "planning never calls providers")
	assert.Empty(t, h.deleteOrder())

	_, err = eng.Plan(ctx, NewScope("app"), []Decl{{Kind: "test::Gadget", ID: "a"}})
	require.Error(t, err)
	assert.True(t, IsKindMismatch(err))
}

func TestUniqueScope(t *testing.T) {
	a := UniqueScope("e2e")
	b := UniqueScope("e2e")
	assert.True(t, strings.HasPrefix(a.Name(), "e2e-"))
	assert.NotEqual(t, a.Name(), b.Name())
}
