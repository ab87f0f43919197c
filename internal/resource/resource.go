package resource

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind identifies a resource type, namespaced as "<provider>::<Type>",
// e.g. "memory::Project". A logical id keeps the same kind for life.
type Kind string

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*::[A-Za-z][A-Za-z0-9_]*$`)

// Provider returns the namespace half of the kind.
func (k Kind) Provider() string {
	p, _, _ := strings.Cut(string(k), "::")
	return p
}

// Type returns the type half of the kind.
func (k Kind) Type() string {
	_, t, _ := strings.Cut(string(k), "::")
	return t
}

func (k Kind) String() string { return string(k) }

// Validate checks the "<provider>::<Type>" shape.
func (k Kind) Validate() error {
	if !kindPattern.MatchString(string(k)) {
		return fmt.Errorf("invalid resource kind %q: want <provider>::<Type>", string(k))
	}
	return nil
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID checks a logical id. Ids are caller-chosen and must be
// unique within a scope.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid logical id %q", id)
	}
	return nil
}

// Phase is the lifecycle stage computed for one apply. It is derived
// fresh each run, never stored.
type Phase string

const (
	PhaseCreate Phase = "create"
	PhaseUpdate Phase = "update"
	PhaseDelete Phase = "delete"
)

// Props is the caller-declared desired configuration for a resource.
// Values may nest Secret and Reference values.
type Props map[string]any

// Output is the committed result of a successful apply: declared props
// merged with provider-assigned fields (remote id, timestamps).
type Output map[string]any

// Clone returns a deep copy. Secrets are immutable and shared.
func (o Output) Clone() Output {
	if o == nil {
		return nil
	}
	return cloneMap(o)
}

// Clone returns a deep copy. Secrets are immutable and shared.
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	return Props(cloneMap(map[string]any(p)))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices; scalars and Secrets pass through.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Props:
		return Props(cloneMap(map[string]any(val)))
	case Output:
		return Output(cloneMap(map[string]any(val)))
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Record is one committed resource in a scope's state partition.
type Record struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Output    Output    `json:"output"`
	Seq       int       `json:"seq"` // creation order within the scope
	DependsOn []string  `json:"depends_on,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Output = r.Output.Clone()
	out.DependsOn = append([]string(nil), r.DependsOn...)
	return &out
}

// Reference points at a field of another resource's committed Output.
// The string form is "ref://<id>/<field>".
type Reference struct {
	ID    string
	Field string
}

const refScheme = "ref://"

// Ref builds a reference to a field of another resource's Output.
func Ref(id, field string) Reference {
	return Reference{ID: id, Field: field}
}

func (r Reference) String() string {
	return refScheme + r.ID + "/" + r.Field
}

// ParseRef parses the "ref://<id>/<field>" string form. The second
// return is false for anything that is not a reference.
func ParseRef(s string) (Reference, bool) {
	rest, ok := strings.CutPrefix(s, refScheme)
	if !ok {
		return Reference{}, false
	}
	id, field, ok := strings.Cut(rest, "/")
	if !ok || id == "" || field == "" {
		return Reference{}, false
	}
	return Reference{ID: id, Field: field}, true
}
