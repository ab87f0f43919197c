package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextBuildOutputMergesProps(t *testing.T) {
	rc := NewContext(ContextParams{
		Phase: PhaseCreate,
		Scope: "test",
		Kind:  "memory::Project",
		ID:    "site",
		Props: Props{"name": "site", "plan": "free"},
	})

	out := rc.BuildOutput(Output{"id": "proj-1", "plan": "pro"})

	require.Equal(t, 1, rc.Builds())
	assert.Equal(t, "site", out["name"])
	assert.Equal(t, "proj-1", out["id"])
	// provider-assigned fields win over declared props
	assert.Equal(t, "pro", out["plan"])
}

func TestContextBuildOutputCountsCalls(t *testing.T) {
	rc := NewContext(ContextParams{Phase: PhaseUpdate, ID: "site"})
	rc.BuildOutput(nil)
	rc.BuildOutput(nil)
	assert.Equal(t, 2, rc.Builds())
}

func TestContextPrior(t *testing.T) {
	rc := NewContext(ContextParams{Phase: PhaseCreate})
	assert.Nil(t, rc.Prior())

	rc = NewContext(ContextParams{
		Phase: PhaseUpdate,
		Prior: Output{"id": "proj-1"},
	})
	require.NotNil(t, rc.Prior())
	assert.Equal(t, "proj-1", rc.Prior()["id"])
}

func TestContextDestroyed(t *testing.T) {
	rc := NewContext(ContextParams{Phase: PhaseDelete})
	assert.False(t, rc.Destroyed())
	rc.MarkDestroyed()
	assert.True(t, rc.Destroyed())
}

func TestHandlerFuncsNilDelete(t *testing.T) {
	h := HandlerFuncs{}
	rc := NewContext(ContextParams{Phase: PhaseDelete})
	require.NoError(t, h.Delete(rc))
	assert.True(t, rc.Destroyed())

	_, err := h.Apply(rc, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
}
