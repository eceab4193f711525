// Package wire defines the flat operation records exchanged between replicas
// and validates them at the transport boundary, before anything reaches the
// CRDT engines. The engines themselves only define behavior for well-formed
// input.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/types"
)

var (
	// ErrEmptyEnvelope is returned when an envelope carries no operation.
	ErrEmptyEnvelope = errors.New("envelope carries no operation")
	// ErrAmbiguousEnvelope is returned when an envelope carries more than one
	// operation kind.
	ErrAmbiguousEnvelope = errors.New("envelope carries more than one operation")
)

// PropertyRecord is the flat LWW tuple for scalar properties (register and
// map cells share the shape; registers omit the key). Timestamps and site IDs
// must survive serialization unchanged for convergence, which JSON numbers
// and strings satisfy.
type PropertyRecord struct {
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Site      types.SiteID    `json:"site"`
}

// Validate checks a property record's shape.
func (p PropertyRecord) Validate() error {
	if p.Site == "" {
		return errors.New("property record missing site")
	}
	if len(p.Value) == 0 {
		return errors.New("property record missing value")
	}
	if !json.Valid(p.Value) {
		return errors.New("property record value is not valid JSON")
	}
	return nil
}

// Envelope is the payload shipped through the op log and broadcast layers:
// exactly one of a text sequence op or a property write.
type Envelope struct {
	Text     *sequence.Op    `json:"text,omitempty"`
	Property *PropertyRecord `json:"property,omitempty"`
}

// Validate checks that the envelope carries exactly one well-formed record.
func (e Envelope) Validate() error {
	switch {
	case e.Text == nil && e.Property == nil:
		return ErrEmptyEnvelope
	case e.Text != nil && e.Property != nil:
		return ErrAmbiguousEnvelope
	case e.Text != nil:
		return ValidateTextOp(*e.Text)
	default:
		return e.Property.Validate()
	}
}

// Encode serializes an envelope after validating it.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ValidateTextOp rejects malformed sequence operation records, discriminating
// on the type field.
func ValidateTextOp(op sequence.Op) error {
	if op.ID.Site == "" {
		return errors.New("op missing id.site")
	}
	switch op.Type {
	case sequence.OpInsert:
		if op.Char == "" {
			return errors.New("insert missing char")
		}
		if utf8.RuneCountInString(op.Char) != 1 {
			return fmt.Errorf("insert char %q is not a single character", op.Char)
		}
		if op.AfterID != nil && op.AfterID.Site == "" {
			return errors.New("insert afterId missing site")
		}
	case sequence.OpDelete:
		if op.Char != "" || op.AfterID != nil {
			return errors.New("delete carries insert fields")
		}
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	return nil
}

// DecodeTextOp parses and validates a standalone sequence operation record.
func DecodeTextOp(data []byte) (sequence.Op, error) {
	var op sequence.Op
	if err := json.Unmarshal(data, &op); err != nil {
		return sequence.Op{}, fmt.Errorf("decode op: %w", err)
	}
	if err := ValidateTextOp(op); err != nil {
		return sequence.Op{}, err
	}
	return op, nil
}
