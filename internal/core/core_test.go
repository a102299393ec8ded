package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatID(t *testing.T) {
	assert.Equal(t, "", FormatID(nil))
	assert.Equal(t, "abc", FormatID("abc"))
	assert.Equal(t, "42", FormatID(42.0))
	assert.Equal(t, "4.5", FormatID(4.5))
	assert.Equal(t, "7", FormatID(7))
}

func TestOperation_LocalID(t *testing.T) {
	assert.Equal(t, "doc", NewUpdateOperation("sales", "doc", map[string]interface{}{"id": "other"}).LocalID())
	assert.Equal(t, "9", NewAddOperation("sales", "", map[string]interface{}{"id": 9.0}).LocalID())
	assert.Equal(t, "", NewAddOperation("sales", "", map[string]interface{}{}).LocalID())
	assert.Equal(t, "", (&Operation{Type: OperationAdd}).LocalID())
}

func TestOperation_Validate(t *testing.T) {
	assert.NoError(t, NewAddOperation("sales", "", map[string]interface{}{}).Validate())
	assert.NoError(t, NewUpdateOperation("sales", "1", map[string]interface{}{}).Validate())
	assert.NoError(t, NewDeleteOperation("sales", "1", "").Validate())

	var nilOp *Operation
	assert.ErrorIs(t, nilOp.Validate(), ErrInvalidOperation)
	assert.ErrorIs(t, NewUpdateOperation("sales", "1", nil).Validate(), ErrInvalidOperation)
	assert.ErrorIs(t, (&Operation{Type: "noop", Collection: "sales"}).Validate(), ErrInvalidOperation)
}

func TestMergeAndCopyData(t *testing.T) {
	base := map[string]interface{}{"a": 1.0, "b": 2.0}
	merged := MergeData(base, map[string]interface{}{"b": 3.0, "c": 4.0})
	assert.Equal(t, map[string]interface{}{"a": 1.0, "b": 3.0, "c": 4.0}, merged)
	assert.Equal(t, 2.0, base["b"])

	assert.Nil(t, CopyData(nil))
	cp := CopyData(base)
	cp["a"] = 0.0
	assert.Equal(t, 1.0, base["a"])

	rec := &Record{ID: "1", Data: base}
	clone := rec.Clone()
	clone.Data["z"] = true
	assert.NotContains(t, rec.Data, "z")

	var nilRec *Record
	assert.Nil(t, nilRec.Clone())
}

func TestErrorClassification(t *testing.T) {
	wrapped := &OperationError{OpID: "1", Type: OperationUpdate, Collection: "sales", Err: ErrMissingRemoteID}
	assert.True(t, IsTerminal(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "update sales (op 1)")

	for _, err := range []error{ErrNotFound, ErrPermissionDenied, ErrValidation, ErrInvalidOperation} {
		assert.True(t, IsTerminal(fmt.Errorf("failed: %w", err)), err.Error())
	}

	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(errors.New("socket closed")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsTerminal(nil))

	assert.True(t, IsCancelled(fmt.Errorf("wait: %w", context.Canceled)))
	assert.True(t, IsCancelled(context.DeadlineExceeded))
	assert.False(t, IsCancelled(ErrUnavailable))
}

func TestDefaultCollections(t *testing.T) {
	assert.Equal(t, []string{"sales", "inventory", "categories", "financial"}, DefaultCollections())
}
