// Package null provides a resource kind with no remote API behind it.
//
// A null resource mints a synthetic remote id on create and echoes its
// declared props into the output, so other resources can reference it
// and stacks can be exercised end to end without touching a real
// service. Deleting one only drops the record.
package null

import (
	"github.com/anneal-io/anneal/internal/registry"
	"github.com/anneal-io/anneal/internal/resource"
)

// KindResource is the only kind this provider serves.
const KindResource resource.Kind = "null::Resource"

// Register installs the null handler into reg.
func Register(reg *registry.Registry) error {
	return reg.Register(KindResource, handler{})
}

type handler struct{}

func (handler) Apply(rc *resource.Context, props resource.Props) (resource.Output, error) {
	// Declared props reach the output through the merge; the handler
	// only contributes the id, which survives updates so references
	// stay stable across runs.
	fields := resource.Output{}
	if prior := rc.Prior(); prior != nil {
		fields["remote_id"] = prior["remote_id"]
	} else {
		fields["remote_id"] = "null-" + rc.ID()
	}
	return rc.BuildOutput(fields), nil
}

func (handler) Delete(rc *resource.Context) error {
	rc.MarkDestroyed()
	return nil
}
