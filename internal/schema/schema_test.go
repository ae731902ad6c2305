package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_ValidateJSON(t *testing.T) {
	doc := json.RawMessage(`{
		"type": "object",
		"required": ["answer"],
		"properties": {"answer": {"type": "string"}}
	}`)

	s, err := Compile("extract_answer", doc)
	require.NoError(t, err)

	assert.NoError(t, s.ValidateJSON(json.RawMessage(`{"answer":"42"}`)))

	err = s.ValidateJSON(json.RawMessage(`{"answer":42}`))
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSchema_MissingRequired(t *testing.T) {
	doc := json.RawMessage(`{"type":"object","required":["x"]}`)
	s, err := Compile("needs_x", doc)
	require.NoError(t, err)

	assert.Error(t, s.ValidateJSON(json.RawMessage(`{}`)))
}
