package attributes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenta-ai/tracequery/internal/attributes"
)

func TestDecodeUnflattensDotPaths(t *testing.T) {
	flat := map[string]any{
		"ag.data.inputs.prompt":  "hello",
		"ag.data.outputs.0.text": "hi there",
		"ag.data.outputs.1.text": "anything else?",
		"ag.metrics.unit.tokens": float64(12),
		"ag.meta.model":          "gpt-4o",
		"unrelated.key":          "ignored",
	}

	data := attributes.Decode(flat, attributes.NamespaceData)
	require.NotNil(t, data)
	require.Equal(t, map[string]any{
		"inputs": map[string]any{"prompt": "hello"},
		"outputs": []any{
			map[string]any{"text": "hi there"},
			map[string]any{"text": "anything else?"},
		},
	}, data)

	metrics := attributes.Decode(flat, attributes.NamespaceMetrics)
	require.Equal(t, map[string]any{"unit": map[string]any{"tokens": float64(12)}}, metrics)

	assert.Nil(t, attributes.Decode(flat, attributes.NamespaceTags))
}

func TestDecodeFillsListGaps(t *testing.T) {
	flat := map[string]any{
		"ag.data.items.0": "first",
		"ag.data.items.3": "fourth",
	}
	data := attributes.Decode(flat, attributes.NamespaceData)
	require.Equal(t, map[string]any{
		"items": []any{"first", nil, nil, "fourth"},
	}, data)
}

func TestSentinels(t *testing.T) {
	flat := map[string]any{
		"ag.data.missing": "@ag.type=none:",
		"ag.data.blob":    `@ag.type=json:{"a":[1,2]}`,
		"ag.data.empty":   "@ag.type=json:{}",
	}
	data := attributes.Decode(flat, attributes.NamespaceData)
	require.Equal(t, map[string]any{
		"missing": nil,
		"blob":    map[string]any{"a": []any{float64(1), float64(2)}},
		"empty":   map[string]any{},
	}, data)

	encoded := attributes.Encode(data, attributes.NamespaceData)
	assert.Equal(t, "@ag.type=none:", encoded["ag.data.missing"])
	assert.Equal(t, "@ag.type=json:{}", encoded["ag.data.empty"])
}

func TestRoundTrip(t *testing.T) {
	docs := []map[string]any{
		{"a": "text", "b": float64(4.25), "c": true, "d": nil},
		{"nested": map[string]any{"deep": map[string]any{"list": []any{"x", float64(1), nil}}}},
		{"mixed": []any{map[string]any{"k": "v"}, []any{float64(0)}, "tail"}},
		{"empties": map[string]any{"obj": map[string]any{}, "arr": []any{}}},
	}
	for _, doc := range docs {
		flat := attributes.Encode(doc, attributes.NamespaceData)
		require.NotNil(t, flat)
		back := attributes.Decode(flat, attributes.NamespaceData)
		assert.Equal(t, doc, back)
	}
}

func TestDecodeAllPreservesExtraKeys(t *testing.T) {
	flat := map[string]any{
		"ag.type.trace":            "invocation",
		"ag.type.node":             "chat",
		"ag.data.inputs.q":         "question",
		"ag.flags.is_eval":         true,
		"ag.refs.application.id":   "3d590ae8-3c2d-4d04-a2f2-d9bda9a0feba",
		"otel.library.name":        "ag-sdk",
		"somevendor.internal.flag": "1",
	}
	bag := attributes.DecodeAll(flat)
	assert.Equal(t, map[string]any{"trace": "invocation", "node": "chat"}, bag.Type)
	assert.Equal(t, map[string]any{"inputs": map[string]any{"q": "question"}}, bag.Data)
	assert.Equal(t, map[string]any{"is_eval": true}, bag.Flags)
	require.Len(t, bag.Extra, 2)
	assert.Equal(t, "ag-sdk", bag.Extra["otel.library.name"])

	// The type namespace is consumed, not stored.
	doc := bag.Document()
	_, hasType := doc["type"]
	assert.False(t, hasType)
	assert.Contains(t, doc, "data")
	assert.Contains(t, doc, "refs")
	assert.Equal(t, bag.Extra, doc["extra"])
}

func TestEncodeDocumentInvertsDocument(t *testing.T) {
	flat := map[string]any{
		"ag.data.inputs.prompt":        "hello",
		"ag.metrics.unit.tokens.total": float64(55),
		"ag.metrics.acc.costs.total":   float64(0.002),
		"ag.meta.configuration.model":  "gpt-4o-mini",
		"ag.tags.env":                  "production",
	}
	doc := attributes.DecodeAll(flat).Document()
	back := attributes.EncodeDocument(doc)
	assert.Equal(t, flat, back)
}
