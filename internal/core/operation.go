package core

import (
	"fmt"
	"time"
)

// OperationType represents the kind of mutation carried by an Operation.
type OperationType string

const (
	// OperationAdd creates a new document in the remote store.
	OperationAdd OperationType = "add"

	// OperationUpdate overwrites an existing remote document.
	OperationUpdate OperationType = "update"

	// OperationDelete removes a remote document.
	OperationDelete OperationType = "delete"
)

// OperationStatus is the queue-level lifecycle of an Operation.
type OperationStatus string

const (
	// OperationPending operations are picked up by the next queue drain.
	OperationPending OperationStatus = "pending"

	// OperationFailed operations exhausted their retries or hit a terminal
	// error. They stay in the queue until a user retries them.
	OperationFailed OperationStatus = "failed"
)

// Operation is a durable intent to mutate the remote store.
// Build one through NewAddOperation, NewUpdateOperation or NewDeleteOperation;
// each variant only carries the fields it needs.
type Operation struct {
	// ID is assigned by the local store on insert and increases monotonically,
	// so ordering by ID is insertion order.
	ID string `json:"-"`

	Type       OperationType `json:"type"`
	Collection string        `json:"collection"`

	// DocID is the local record id. Required for update and delete, and set
	// for add whenever the caller knows the local id.
	DocID string `json:"docId,omitempty"`

	// RemoteID is captured for delete operations at enqueue time so the
	// remote document can still be located if the local row is gone.
	RemoteID string `json:"remoteId,omitempty"`

	// Data is the record payload for add and update.
	Data map[string]interface{} `json:"data,omitempty"`

	Attempts  int             `json:"attempts"`
	Status    OperationStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewAddOperation returns an add operation for a freshly created local record.
func NewAddOperation(collection, docID string, data map[string]interface{}) *Operation {
	return &Operation{
		Type:       OperationAdd,
		Collection: collection,
		DocID:      docID,
		Data:       data,
		Status:     OperationPending,
		Timestamp:  time.Now().UTC(),
	}
}

// NewUpdateOperation returns an update operation for an existing local record.
func NewUpdateOperation(collection, docID string, data map[string]interface{}) *Operation {
	return &Operation{
		Type:       OperationUpdate,
		Collection: collection,
		DocID:      docID,
		Data:       data,
		Status:     OperationPending,
		Timestamp:  time.Now().UTC(),
	}
}

// NewDeleteOperation returns a delete operation. remoteID may be empty when
// the record never reached the remote store.
func NewDeleteOperation(collection, docID, remoteID string) *Operation {
	return &Operation{
		Type:       OperationDelete,
		Collection: collection,
		DocID:      docID,
		RemoteID:   remoteID,
		Status:     OperationPending,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate checks that the operation carries the fields its variant requires.
func (o *Operation) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: operation is nil", ErrInvalidOperation)
	}
	if o.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidOperation)
	}

	switch o.Type {
	case OperationAdd:
		if o.Data == nil {
			return fmt.Errorf("%w: add requires data", ErrInvalidOperation)
		}
	case OperationUpdate:
		if o.DocID == "" {
			return fmt.Errorf("%w: update requires docId", ErrInvalidOperation)
		}
		if o.Data == nil {
			return fmt.Errorf("%w: update requires data", ErrInvalidOperation)
		}
	case OperationDelete:
		if o.DocID == "" {
			return fmt.Errorf("%w: delete requires docId", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	return nil
}

// LocalID returns the local record id the operation targets. Add operations
// without an explicit DocID fall back to the payload's "id" field.
func (o *Operation) LocalID() string {
	if o.DocID != "" {
		return o.DocID
	}
	if o.Data == nil {
		return ""
	}
	if v, ok := o.Data["id"]; ok && v != nil {
		return FormatID(v)
	}
	return ""
}

// FormatID renders an arbitrary id value as a string key.
func FormatID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id))
		}
		return fmt.Sprintf("%v", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}
