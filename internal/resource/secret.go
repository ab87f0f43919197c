package resource

import (
	"crypto/subtle"
	"encoding/json"
)

// Redacted is rendered wherever a Secret would otherwise print.
const Redacted = "[redacted]"

// Secret wraps a sensitive string. It prints and serializes as a
// redaction placeholder; Reveal is the only way to read the value.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext value.
func NewSecret(v string) Secret {
	return Secret{value: v}
}

// Reveal returns the wrapped plaintext.
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s.value == "" }

// Equal compares two secrets in constant time.
func (s Secret) Equal(o Secret) bool {
	return subtle.ConstantTimeCompare([]byte(s.value), []byte(o.value)) == 1
}

func (s Secret) String() string   { return Redacted }
func (s Secret) GoString() string { return "resource.Secret(" + Redacted + ")" }

// MarshalJSON emits the placeholder, never the value. Persisting the
// real value is the state codec's job and goes through encryption.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(Redacted)
}

// MarshalYAML emits the placeholder, never the value.
func (s Secret) MarshalYAML() (any, error) {
	return Redacted, nil
}
