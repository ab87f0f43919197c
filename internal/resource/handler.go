package resource

import "errors"

// Handler implements the lifecycle for one resource kind.
//
// Apply runs for phase create and update. It must be idempotent under
// retry: matching by natural key or by the remote id in the prior
// Output, never duplicating remote side effects. On create, a naming
// conflict is fatal unless the props request adoption, in which case
// the handler binds to the existing remote object and returns it as if
// just created. On update, fields the provider refuses to patch are
// omitted from the request but still included in the returned Output.
//
// Delete runs for phase delete with the last committed Output in the
// Context. A remote object that is already gone is success, never an
// error.
type Handler interface {
	Apply(rc *Context, props Props) (Output, error)
	Delete(rc *Context) error
}

// ErrNotImplemented is returned by HandlerFuncs when the corresponding
// function is nil.
var ErrNotImplemented = errors.New("handler operation not implemented")

// HandlerFuncs adapts plain functions to the Handler interface. A nil
// DeleteFunc treats delete as a no-op, which suits resources with no
// remote teardown.
type HandlerFuncs struct {
	ApplyFunc  func(rc *Context, props Props) (Output, error)
	DeleteFunc func(rc *Context) error
}

func (h HandlerFuncs) Apply(rc *Context, props Props) (Output, error) {
	if h.ApplyFunc == nil {
		return nil, ErrNotImplemented
	}
	return h.ApplyFunc(rc, props)
}

func (h HandlerFuncs) Delete(rc *Context) error {
	if h.DeleteFunc == nil {
		rc.MarkDestroyed()
		return nil
	}
	return h.DeleteFunc(rc)
}
