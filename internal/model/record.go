package model

import "time"

// OperationKind is the kind of mutation a sync operation propagates.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Envelope wraps encrypted record content. The checksum is stored on the
// record, never inside the envelope.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	Algorithm string `json:"algorithm"`
}

// Record is the versioned, encrypted unit of synchronized state.
type Record struct {
	ID             string    `json:"id"`
	Category       Category  `json:"category"`
	Content        Envelope  `json:"content"`
	Version        int64     `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	SourcePlatform string    `json:"sourcePlatform"`
	Checksum       string    `json:"checksum"`
}

// Delivery is what an adapter receives for one target of a sync operation.
// Content carries the decrypted payload only when the category's security
// level allows plaintext delivery.
type Delivery struct {
	OperationID   string         `json:"operationId"`
	RecordID      string         `json:"recordId"`
	OperationKind OperationKind  `json:"operationKind"`
	Category      Category       `json:"category"`
	Data          *Record        `json:"data"`
	Content       map[string]any `json:"content,omitempty"`
}
