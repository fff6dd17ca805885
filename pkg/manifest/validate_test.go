package manifest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() []byte {
	return []byte(`{
		"name": "translator",
		"description": "Translates text between languages",
		"version": "1.2.0",
		"capabilities": ["translate", "detect-language"],
		"input_modes": ["text"],
		"output_modes": ["text"],
		"endpoints": {
			"/translate": "Translate a document",
			"/detect": "Detect the source language"
		},
		"skills": [
			{"id": "translate", "name": "Translate", "tags": ["nlp"], "examples": ["translate to french"]}
		]
	}`)
}

func TestValidate_AcceptsWellFormedManifest(t *testing.T) {
	m, err := Validate(validDoc())
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "translator", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Len(t, m.Capabilities, 2)
	assert.Len(t, m.Endpoints, 2)
	assert.Equal(t, "Translate a document", m.Endpoints["/translate"])
	require.Len(t, m.Skills, 1)
	assert.Equal(t, "translate", m.Skills[0].ID)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		field   string
		wantMsg string
	}{
		{
			name:    "empty document",
			raw:     "   ",
			field:   "manifest",
			wantMsg: "document is empty",
		},
		{
			name:    "malformed JSON",
			raw:     `{"name": "x", "capabilities": [`,
			field:   "manifest",
			wantMsg: "malformed JSON",
		},
		{
			name:  "missing name",
			raw:   `{"capabilities":["a"],"endpoints":{"/x":"x"}}`,
			field: "name",
		},
		{
			name:  "uppercase name",
			raw:   `{"name":"Translator","capabilities":["a"],"endpoints":{"/x":"x"}}`,
			field: "name",
		},
		{
			name:  "name with leading dash",
			raw:   `{"name":"-translator","capabilities":["a"],"endpoints":{"/x":"x"}}`,
			field: "name",
		},
		{
			name:  "missing capabilities",
			raw:   `{"name":"translator","endpoints":{"/x":"x"}}`,
			field: "capabilities",
		},
		{
			name:  "empty capability set",
			raw:   `{"name":"translator","capabilities":[],"endpoints":{"/x":"x"}}`,
			field: "capabilities",
		},
		{
			name:  "blank capability entry",
			raw:   `{"name":"translator","capabilities":["a"," "],"endpoints":{"/x":"x"}}`,
			field: "capabilities[1]",
		},
		{
			name:  "missing endpoints",
			raw:   `{"name":"translator","capabilities":["a"]}`,
			field: "endpoints",
		},
		{
			name:    "endpoint path without slash",
			raw:     `{"name":"translator","capabilities":["a"],"endpoints":{"translate":"x"}}`,
			field:   "endpoints",
			wantMsg: "must start with '/'",
		},
		{
			name:    "duplicate endpoint path",
			raw:     `{"name":"translator","capabilities":["a"],"endpoints":{"/x":"one","/x":"two"}}`,
			field:   "endpoints",
			wantMsg: "duplicate path",
		},
		{
			name:  "skill without id",
			raw:   `{"name":"translator","capabilities":["a"],"endpoints":{"/x":"x"},"skills":[{"name":"n"}]}`,
			field: "skills[0].id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Validate([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, m)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected a *ValidationError, got %T", err)
			require.NotEmpty(t, verr.Violations)

			found := false
			for _, v := range verr.Violations {
				if v.Field == tt.field {
					found = true
					if tt.wantMsg != "" {
						assert.Contains(t, v.Reason, tt.wantMsg)
					}
				}
			}
			assert.True(t, found, "no violation for field %q in %v", tt.field, verr.Violations)
		})
	}
}

func TestValidate_AggregatesViolations(t *testing.T) {
	m, err := Validate([]byte(`{}`))
	require.Error(t, err)
	assert.Nil(t, m)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Violations), 3, "name, capabilities and endpoints should all be reported")
	assert.Contains(t, verr.Error(), "name: is required")
}

func TestValidate_IsPure(t *testing.T) {
	raw := validDoc()
	first, err := Validate(raw)
	require.NoError(t, err)
	second, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
