package structs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AuditEntry is one link in the tamper-evident audit chain. EntryHash
// is SHA-256 over a canonical serialization of every other field plus
// PreviousHash, so mutating any field invalidates the entry and every
// entry chained after it. The first entry in a chain has an empty
// PreviousHash.
type AuditEntry struct {
	ID           string
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      string
	Timestamp    time.Time
	Metadata     map[string]string

	PreviousHash string
	EntryHash    string

	CreateIndex uint64
}

func (e *AuditEntry) Copy() *AuditEntry {
	if e == nil {
		return nil
	}
	ne := *e
	if e.Metadata != nil {
		ne.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			ne.Metadata[k] = v
		}
	}
	return &ne
}

// canonical renders the hashed fields in a fixed order with stable
// encodings. Metadata keys are sorted so equal maps always serialize
// identically.
func (e *AuditEntry) canonical() string {
	var sb strings.Builder
	sb.WriteString(e.ID)
	sb.WriteByte('|')
	sb.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	sb.WriteByte('|')
	sb.WriteString(e.Action)
	sb.WriteByte('|')
	sb.WriteString(e.ResourceType)
	sb.WriteByte('|')
	sb.WriteString(e.ResourceID)
	sb.WriteByte('|')
	sb.WriteString(e.ActorID)
	sb.WriteByte('|')

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s;", k, e.Metadata[k])
	}

	sb.WriteByte('|')
	sb.WriteString(e.PreviousHash)
	return sb.String()
}

// ComputeHash returns the SHA-256 hex digest of the entry's canonical
// serialization. It is a pure function of field values.
func (e *AuditEntry) ComputeHash() string {
	sum := sha256.Sum256([]byte(e.canonical()))
	return hex.EncodeToString(sum[:])
}

// Seal computes and stores the entry hash. Called exactly once, before
// the entry is persisted.
func (e *AuditEntry) Seal() {
	e.EntryHash = e.ComputeHash()
}

// VerifyHash reports whether the stored hash matches the entry's
// current field values.
func (e *AuditEntry) VerifyHash() bool {
	return e.EntryHash != "" && e.EntryHash == e.ComputeHash()
}

// VerifyChain reports whether the entry correctly extends prev: its
// PreviousHash must equal prev's EntryHash and its own hash must
// verify. A nil prev checks the chain-head case (empty PreviousHash).
func (e *AuditEntry) VerifyChain(prev *AuditEntry) bool {
	if prev == nil {
		return e.PreviousHash == "" && e.VerifyHash()
	}
	return e.PreviousHash == prev.EntryHash && e.VerifyHash()
}
