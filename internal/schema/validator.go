// Package schema validates collection documents against declared field specs.
package schema

import (
	"fmt"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Field types accepted in a FieldSpec.
const (
	TypeString    = "string"
	TypeNumber    = "number"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
	TypeObject    = "object"
	TypeArray     = "array"
	TypeAny       = "any"
)

// FieldSpec describes one document field.
type FieldSpec struct {
	Name     string
	Type     string
	Required bool
}

// Validator validates documents of one collection.
// A Validator with no fields accepts any non-nil document.
type Validator struct {
	collection string
	fields     []FieldSpec
}

// NewValidator creates a validator. Unknown field types are rejected.
func NewValidator(collection string, fields []FieldSpec) (*Validator, error) {
	for _, f := range fields {
		switch f.Type {
		case TypeString, TypeNumber, TypeBool, TypeTimestamp, TypeObject, TypeArray, TypeAny, "":
		default:
			return nil, fmt.Errorf("collection %s: field %q has unknown type %q", collection, f.Name, f.Type)
		}
	}
	return &Validator{collection: collection, fields: fields}, nil
}

// ValidateDocument validates a complete document, including required fields.
func (v *Validator) ValidateDocument(data map[string]interface{}) error {
	if data == nil {
		return fmt.Errorf("%w: %s document cannot be nil", core.ErrValidation, v.collection)
	}

	for _, field := range v.fields {
		value, exists := data[field.Name]
		if !exists || value == nil {
			if field.Required {
				return fmt.Errorf("%w: %s.%s is required", core.ErrValidation, v.collection, field.Name)
			}
			continue
		}
		if err := checkType(field, value); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", core.ErrValidation, v.collection, field.Name, err)
		}
	}
	return nil
}

// ValidateCreate validates the payload of a local create.
func (v *Validator) ValidateCreate(data map[string]interface{}) error {
	return v.ValidateDocument(data)
}

// ValidateUpdate validates a partial update. Only present fields are checked,
// and required fields may not be cleared.
func (v *Validator) ValidateUpdate(changes map[string]interface{}) error {
	if len(changes) == 0 {
		return fmt.Errorf("%w: %s update cannot be empty", core.ErrValidation, v.collection)
	}

	for name, value := range changes {
		field, ok := v.field(name)
		if !ok {
			// New fields are allowed on partial updates.
			continue
		}
		if value == nil {
			if field.Required {
				return fmt.Errorf("%w: %s.%s cannot be cleared", core.ErrValidation, v.collection, name)
			}
			continue
		}
		if err := checkType(field, value); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", core.ErrValidation, v.collection, name, err)
		}
	}
	return nil
}

// Predicate adapts the validator to the listener's document validation hook.
func (v *Validator) Predicate() func(core.Document) error {
	return func(doc core.Document) error {
		return v.ValidateDocument(doc.Data)
	}
}

func (v *Validator) field(name string) (FieldSpec, bool) {
	for _, f := range v.fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func checkType(field FieldSpec, value interface{}) error {
	switch field.Type {
	case TypeNumber:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return nil
		}
		return fmt.Errorf("expects number, got %T", value)
	case TypeString:
		if _, ok := value.(string); ok {
			return nil
		}
		return fmt.Errorf("expects string, got %T", value)
	case TypeBool:
		if _, ok := value.(bool); ok {
			return nil
		}
		return fmt.Errorf("expects bool, got %T", value)
	case TypeTimestamp:
		switch t := value.(type) {
		case time.Time:
			return nil
		case string:
			if _, err := time.Parse(time.RFC3339Nano, t); err != nil {
				return fmt.Errorf("expects RFC3339 timestamp: %v", err)
			}
			return nil
		case int64, float64:
			// Unix milliseconds
			return nil
		}
		return fmt.Errorf("expects timestamp, got %T", value)
	case TypeObject:
		if _, ok := value.(map[string]interface{}); ok {
			return nil
		}
		return fmt.Errorf("expects object, got %T", value)
	case TypeArray:
		if _, ok := value.([]interface{}); ok {
			return nil
		}
		return fmt.Errorf("expects array, got %T", value)
	default:
		return nil
	}
}
