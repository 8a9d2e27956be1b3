package validation

import (
	"encoding/json"
	"fmt"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/model"
)

const (
	// Size limits
	MaxTableNameSize = 63          // PostgreSQL identifier limit
	MaxPayloadSize   = 1024 * 1024 // 1 MB
	MaxRecordIDSize  = 128
)

// Validator validates queued mutations and remote identifiers
type Validator struct {
	maxPayloadSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{maxPayloadSize: MaxPayloadSize}
}

// NewValidatorWithLimits creates a validator with a custom payload limit
func NewValidatorWithLimits(maxPayloadSize int) *Validator {
	if maxPayloadSize <= 0 {
		maxPayloadSize = MaxPayloadSize
	}
	return &Validator{maxPayloadSize: maxPayloadSize}
}

// ValidateMutation validates a mutation before it is queued
func (v *Validator) ValidateMutation(table string, op model.Operation, payload model.Row) error {
	if err := v.ValidateTable(table); err != nil {
		return err
	}
	if err := v.ValidateOperation(op); err != nil {
		return err
	}
	if payload == nil {
		return errors.ValidationFailed("payload", "payload cannot be nil")
	}

	if op == model.OperationUpdate || op == model.OperationDelete {
		id, ok := payload.ID()
		if !ok {
			return errors.MissingRecordID(table, string(op))
		}
		if len(id) > MaxRecordIDSize {
			return errors.ValidationFailed("payload.id", fmt.Sprintf("id exceeds maximum size of %d bytes", MaxRecordIDSize))
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.InvalidArgument("payload is not JSON encodable", err)
	}
	if len(encoded) > v.maxPayloadSize {
		return errors.ValidationFailed("payload", fmt.Sprintf("payload size %d exceeds maximum %d", len(encoded), v.maxPayloadSize))
	}

	return nil
}

// ValidateTable validates a remote table name.
// Only lowercase snake_case identifiers are accepted so names can be quoted safely.
func (v *Validator) ValidateTable(table string) error {
	if table == "" {
		return errors.ValidationFailed("table", "table name cannot be empty")
	}
	if len(table) > MaxTableNameSize {
		return errors.ValidationFailed("table", fmt.Sprintf("table name exceeds maximum size of %d bytes", MaxTableNameSize))
	}

	for i, r := range table {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return errors.ValidationFailed("table", fmt.Sprintf("invalid character %q in table name", r))
		}
	}

	return nil
}

// ValidateOperation validates a mutation kind
func (v *Validator) ValidateOperation(op model.Operation) error {
	switch op {
	case model.OperationInsert, model.OperationUpdate, model.OperationDelete:
		return nil
	default:
		return errors.ValidationFailed("operation", fmt.Sprintf("unsupported operation '%s'", op))
	}
}

// ValidatePriority validates a queue priority
func (v *Validator) ValidatePriority(p model.Priority) error {
	switch p {
	case model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
		return nil
	default:
		return errors.ValidationFailed("priority", fmt.Sprintf("unsupported priority '%s'", p))
	}
}

// ValidateCategory validates a cache category
func (v *Validator) ValidateCategory(c model.Category) error {
	if !c.IsKnown() {
		return errors.UnknownCategory(string(c))
	}
	return nil
}
