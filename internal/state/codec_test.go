package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneal-io/anneal/internal/resource"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer([]byte("codec-test-key"))
	require.NoError(t, err)
	return sealer
}

func TestEncodeOutputSecretEnvelope(t *testing.T) {
	sealer := testSealer(t)

	out := resource.Output{
		"name":  "site",
		"token": resource.NewSecret("super-sensitive"),
		"nested": map[string]any{
			"password": resource.NewSecret("also-sensitive"),
		},
	}

	encoded, err := EncodeOutput(out, sealer)
	require.NoError(t, err)

	// Secrets become single-key envelope maps, plain fields stay as-is.
	env, ok := encoded["token"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, env, secretField)
	assert.Equal(t, "site", encoded["name"])

	data, err := json.Marshal(encoded)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-sensitive")
	assert.NotContains(t, string(data), "also-sensitive")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sealer := testSealer(t)

	out := resource.Output{
		"name":  "site",
		"count": float64(3),
		"token": resource.NewSecret("super-sensitive"),
		"list":  []any{"a", resource.NewSecret("in-list")},
	}

	encoded, err := EncodeOutput(out, sealer)
	require.NoError(t, err)

	// Through JSON, as every backend persists it.
	data, err := json.Marshal(encoded)
	require.NoError(t, err)
	var raw resource.Output
	require.NoError(t, json.Unmarshal(data, &raw))

	decoded, err := DecodeOutput(raw, sealer)
	require.NoError(t, err)

	assert.Equal(t, "site", decoded["name"])
	assert.Equal(t, float64(3), decoded["count"])

	tok, ok := decoded["token"].(resource.Secret)
	require.True(t, ok)
	assert.Equal(t, "super-sensitive", tok.Reveal())

	inList, ok := decoded["list"].([]any)[1].(resource.Secret)
	require.True(t, ok)
	assert.Equal(t, "in-list", inList.Reveal())
}

func TestEncodeOutputNoKey(t *testing.T) {
	out := resource.Output{"token": resource.NewSecret("super-sensitive")}

	_, err := EncodeOutput(out, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)

	// Plain outputs never need a key.
	plain, err := EncodeOutput(resource.Output{"name": "site"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "site", plain["name"])
}

func TestDecodeOutputPlainMapUntouched(t *testing.T) {
	sealer := testSealer(t)

	// A two-key map is not an envelope even if it has a $secret field.
	out := resource.Output{
		"odd": map[string]any{secretField: "x", "other": "y"},
	}
	decoded, err := DecodeOutput(out, sealer)
	require.NoError(t, err)
	_, isSecret := decoded["odd"].(resource.Secret)
	assert.False(t, isSecret)
}

func TestUpsertDocSequencing(t *testing.T) {
	doc := &scopeDoc{Version: 1, Scope: "test"}

	upsertDoc(doc, &resource.Record{Kind: "memory::Project", ID: "a", Output: resource.Output{}}, resource.Output{})
	upsertDoc(doc, &resource.Record{Kind: "memory::Project", ID: "b", Output: resource.Output{}}, resource.Output{})
	require.Len(t, doc.Records, 2)
	assert.Equal(t, 1, doc.Records[0].Seq)
	assert.Equal(t, 2, doc.Records[1].Seq)

	// Replacing keeps seq and created_at.
	created := doc.Records[0].CreatedAt
	upsertDoc(doc, &resource.Record{Kind: "memory::Project", ID: "a", Output: resource.Output{"x": 1}}, resource.Output{"x": 1})
	require.Len(t, doc.Records, 2)
	assert.Equal(t, 1, doc.Records[0].Seq)
	assert.Equal(t, created, doc.Records[0].CreatedAt)

	// Removing then re-adding does not reuse the old seq.
	require.True(t, removeFromDoc(doc, "a"))
	upsertDoc(doc, &resource.Record{Kind: "memory::Project", ID: "a", Output: resource.Output{}}, resource.Output{})
	assert.Equal(t, 3, doc.Records[1].Seq)
}

func TestMarshalDocAssignsLineage(t *testing.T) {
	doc := &scopeDoc{Version: 1, Scope: "test"}

	content, err := marshalDoc(doc, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Lineage)
	assert.Equal(t, 1, doc.Serial)

	parsed, err := unmarshalDoc(content, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, doc.Lineage, parsed.Lineage)

	// Lineage is stable across writes, serial is not.
	lineage := doc.Lineage
	_, err = marshalDoc(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, lineage, doc.Lineage)
	assert.Equal(t, 2, doc.Serial)
}
