package resource

import (
	"context"
)

// Context carries one handler invocation: the computed phase, the prior
// committed Output (nil on create), and the declared props. It lives for
// exactly one Apply or Delete call.
type Context struct {
	ctx       context.Context
	phase     Phase
	scope     string
	kind      Kind
	id        string
	props     Props
	prior     Output
	builds    int
	destroyed bool
}

// ContextParams configures a handler Context.
type ContextParams struct {
	Ctx   context.Context
	Phase Phase
	Scope string
	Kind  Kind
	ID    string
	Props Props
	Prior Output
}

// NewContext builds a handler Context. The orchestrator is the only
// intended caller; tests may build one directly.
func NewContext(p ContextParams) *Context {
	ctx := p.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{
		ctx:   ctx,
		phase: p.Phase,
		scope: p.Scope,
		kind:  p.Kind,
		id:    p.ID,
		props: p.Props,
		prior: p.Prior,
	}
}

// Context returns the cancellation context for remote calls.
func (c *Context) Context() context.Context { return c.ctx }

// Phase returns the computed lifecycle phase for this invocation.
func (c *Context) Phase() Phase { return c.phase }

// Scope returns the owning scope's name.
func (c *Context) Scope() string { return c.scope }

// Kind returns the resource kind being applied.
func (c *Context) Kind() Kind { return c.kind }

// ID returns the logical id being applied.
func (c *Context) ID() string { return c.id }

// Prior returns the last committed Output, nil when none exists.
func (c *Context) Prior() Output { return c.prior }

// BuildOutput merges the declared props with provider-assigned fields
// (fields win) and returns the result. A successful Apply must call it
// exactly once; the orchestrator rejects zero or repeated builds.
func (c *Context) BuildOutput(fields Output) Output {
	c.builds++
	out := make(Output, len(c.props)+len(fields))
	for k, v := range c.props {
		out[k] = CloneValue(v)
	}
	for k, v := range fields {
		out[k] = CloneValue(v)
	}
	return out
}

// Builds reports how many times BuildOutput was called.
func (c *Context) Builds() int { return c.builds }

// MarkDestroyed records that the remote object is confirmed gone. Delete
// handlers call it after a successful remote delete or a not-found.
func (c *Context) MarkDestroyed() { c.destroyed = true }

// Destroyed reports whether the handler confirmed remote removal.
func (c *Context) Destroyed() bool { return c.destroyed }
