package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anneal-io/anneal/internal/resource"
)

// Secret values are persisted as a single-key envelope map so encrypted
// fields stay distinguishable from plain ones in the stored document.
const secretField = "$secret"

// EncodeOutput returns a copy of out with every Secret replaced by an
// encrypted envelope. Persisting a Secret without a configured key is
// an error: cleartext secrets never reach a backend.
func EncodeOutput(out resource.Output, sealer *Sealer) (resource.Output, error) {
	if out == nil {
		return nil, nil
	}
	enc, err := encodeValue(map[string]any(out), sealer)
	if err != nil {
		return nil, err
	}
	return resource.Output(enc.(map[string]any)), nil
}

// DecodeOutput restores Secret values from their envelopes.
func DecodeOutput(out resource.Output, sealer *Sealer) (resource.Output, error) {
	if out == nil {
		return nil, nil
	}
	dec, err := decodeValue(map[string]any(out), sealer)
	if err != nil {
		return nil, err
	}
	return resource.Output(dec.(map[string]any)), nil
}

func encodeValue(v any, sealer *Sealer) (any, error) {
	switch val := v.(type) {
	case resource.Secret:
		sealed, err := sealer.Seal([]byte(val.Reveal()))
		if err != nil {
			return nil, err
		}
		return map[string]any{secretField: sealed}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			enc, err := encodeValue(e, sealer)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = enc
		}
		return out, nil
	case resource.Output:
		return encodeValue(map[string]any(val), sealer)
	case resource.Props:
		return encodeValue(map[string]any(val), sealer)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			enc, err := encodeValue(e, sealer)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeValue(v any, sealer *Sealer) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if sealed, ok := secretEnvelope(val); ok {
			plain, err := sealer.Open(sealed)
			if err != nil {
				return nil, err
			}
			return resource.NewSecret(string(plain)), nil
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			dec, err := decodeValue(e, sealer)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			dec, err := decodeValue(e, sealer)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func secretEnvelope(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	sealed, ok := m[secretField].(string)
	return sealed, ok
}

// scopeDoc is the document layout shared by the file and s3 backends:
// one JSON document per scope partition.
type scopeDoc struct {
	Version int                `json:"version"`
	Scope   string             `json:"scope"`
	Lineage string             `json:"lineage,omitempty"`
	Serial  int                `json:"serial"`
	Records []*resource.Record `json:"records"`
}

// upsertDoc replaces the record for rec.ID or appends it with the next
// sequence number. Replaced records keep their seq and created_at.
func upsertDoc(doc *scopeDoc, rec *resource.Record, encoded resource.Output) {
	now := time.Now().UTC()
	stored := rec.Clone()
	stored.Output = encoded
	stored.UpdatedAt = now

	maxSeq := 0
	for i, existing := range doc.Records {
		if existing.Seq > maxSeq {
			maxSeq = existing.Seq
		}
		if existing.ID == rec.ID {
			stored.Seq = existing.Seq
			stored.CreatedAt = existing.CreatedAt
			doc.Records[i] = stored
			return
		}
	}
	stored.Seq = maxSeq + 1
	stored.CreatedAt = now
	doc.Records = append(doc.Records, stored)
}

// removeFromDoc drops the record for id, reporting whether it existed.
func removeFromDoc(doc *scopeDoc, id string) bool {
	kept := doc.Records[:0]
	removed := false
	for _, rec := range doc.Records {
		if rec.ID == id {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	doc.Records = kept
	return removed
}

// marshalDoc serializes a scope document, bumping its serial, assigning
// a lineage on first write, and sealing the whole document when a key
// is configured.
func marshalDoc(doc *scopeDoc, sealer *Sealer) ([]byte, error) {
	doc.Serial++
	if doc.Lineage == "" {
		doc.Lineage = uuid.NewString()
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	content = append(content, '\n')

	sealed, err := sealer.SealDocument(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return sealed, nil
}

// unmarshalDoc parses a scope document, decrypting it if sealed.
func unmarshalDoc(content []byte, scope string, sealer *Sealer) (*scopeDoc, error) {
	content, err := sealer.OpenDocument(content)
	if err != nil {
		return nil, err
	}
	var doc scopeDoc
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state for scope %q: %w", scope, err)
	}
	return &doc, nil
}

// decodeStoredRecord clones a stored record and restores its secrets.
func decodeStoredRecord(rec *resource.Record, sealer *Sealer) (*resource.Record, error) {
	out := rec.Clone()
	decoded, err := DecodeOutput(out.Output, sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to decode output for %s: %w", rec.ID, err)
	}
	out.Output = decoded
	return out, nil
}
