package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

func salesValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator("sales", []FieldSpec{
		{Name: "total", Type: TypeNumber, Required: true},
		{Name: "customer", Type: TypeString},
		{Name: "paid", Type: TypeBool},
		{Name: "soldAt", Type: TypeTimestamp},
		{Name: "meta", Type: TypeObject},
		{Name: "lines", Type: TypeArray},
	})
	require.NoError(t, err)
	return v
}

func TestNewValidator_UnknownType(t *testing.T) {
	_, err := NewValidator("sales", []FieldSpec{{Name: "total", Type: "decimal"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimal")
}

func TestValidateDocument(t *testing.T) {
	v := salesValidator(t)

	tests := []struct {
		name    string
		doc     map[string]interface{}
		wantErr bool
	}{
		{"minimal", map[string]interface{}{"total": 10.0}, false},
		{"integer total", map[string]interface{}{"total": 10}, false},
		{"all fields", map[string]interface{}{
			"total":    1.5,
			"customer": "ana",
			"paid":     true,
			"soldAt":   "2024-01-01T10:00:00Z",
			"meta":     map[string]interface{}{"k": "v"},
			"lines":    []interface{}{1.0},
			"extra":    "ignored",
		}, false},
		{"time value", map[string]interface{}{"total": 1.0, "soldAt": time.Now()}, false},
		{"unix millis", map[string]interface{}{"total": 1.0, "soldAt": 1700000000000.0}, false},
		{"nil document", nil, true},
		{"missing required", map[string]interface{}{"customer": "ana"}, true},
		{"nil required", map[string]interface{}{"total": nil}, true},
		{"wrong number", map[string]interface{}{"total": "10"}, true},
		{"wrong string", map[string]interface{}{"total": 1.0, "customer": 7.0}, true},
		{"wrong bool", map[string]interface{}{"total": 1.0, "paid": "yes"}, true},
		{"bad timestamp", map[string]interface{}{"total": 1.0, "soldAt": "yesterday"}, true},
		{"wrong object", map[string]interface{}{"total": 1.0, "meta": []interface{}{}}, true},
		{"wrong array", map[string]interface{}{"total": 1.0, "lines": "a,b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDocument(tt.doc)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUpdate(t *testing.T) {
	v := salesValidator(t)

	assert.NoError(t, v.ValidateUpdate(map[string]interface{}{"customer": "bo"}))
	assert.NoError(t, v.ValidateUpdate(map[string]interface{}{"customer": nil}))
	assert.NoError(t, v.ValidateUpdate(map[string]interface{}{"newField": 1.0}))

	assert.ErrorIs(t, v.ValidateUpdate(nil), core.ErrValidation)
	assert.ErrorIs(t, v.ValidateUpdate(map[string]interface{}{"total": nil}), core.ErrValidation)
	assert.ErrorIs(t, v.ValidateUpdate(map[string]interface{}{"total": "x"}), core.ErrValidation)
}

func TestValidator_NoFields(t *testing.T) {
	v, err := NewValidator("categories", nil)
	require.NoError(t, err)

	assert.NoError(t, v.ValidateCreate(map[string]interface{}{"anything": true}))
	assert.Error(t, v.ValidateCreate(nil))

	check := v.Predicate()
	assert.NoError(t, check(core.Document{Data: map[string]interface{}{}}))
	assert.Error(t, check(core.Document{}))
}
