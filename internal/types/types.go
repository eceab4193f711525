package types

import "time"

// DocumentID identifies a shared document (or, more generally, the replicated
// context a set of sessions collaborates on).
type DocumentID string

// SiteID identifies a replica. Site IDs are opaque strings compared
// lexicographically for deterministic tie-breaking; they carry no authority.
type SiteID string

// OperationID is a globally unique identifier for an operation record as it
// travels through the op log and broadcast layers.
type OperationID string

// Record is the durable representation of a single replicated operation. The
// payload is an encoded wire envelope; the LSN is assigned by the op log on
// append.
type Record struct {
	LSN       int64       `json:"lsn,omitempty"`
	Operation OperationID `json:"operation_id"`
	Document  DocumentID  `json:"document_id"`
	Site      SiteID      `json:"site_id"`
	Payload   []byte      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}
