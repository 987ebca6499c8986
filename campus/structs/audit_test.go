package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/Musonder/Smart-Campus-Assignment/ci"
)

func testEntry() *AuditEntry {
	return &AuditEntry{
		ID:           "entry-1",
		Action:       "enrollment.create",
		ResourceType: "enrollment",
		ResourceID:   "enr-1",
		ActorID:      "student-1",
		Timestamp:    time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
		Metadata: map[string]string{
			"section_id": "sec-1",
			"student_id": "student-1",
		},
		CreateIndex: 1,
	}
}

func TestAuditEntry_HashDeterministic(t *testing.T) {
	ci.Parallel(t)

	a := testEntry()
	b := testEntry()
	// Metadata iteration order must not affect the hash.
	b.Metadata = map[string]string{
		"student_id": "student-1",
		"section_id": "sec-1",
	}
	must.Eq(t, a.ComputeHash(), b.ComputeHash())
}

func TestAuditEntry_SealAndVerify(t *testing.T) {
	ci.Parallel(t)

	e := testEntry()
	must.False(t, e.VerifyHash())

	e.Seal()
	must.True(t, e.VerifyHash())
	must.True(t, e.VerifyChain(nil))
}

func TestAuditEntry_TamperDetection(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		mutate func(*AuditEntry)
	}{
		{"action", func(e *AuditEntry) { e.Action = "enrollment.drop" }},
		{"actor", func(e *AuditEntry) { e.ActorID = "intruder" }},
		{"timestamp", func(e *AuditEntry) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"metadata", func(e *AuditEntry) { e.Metadata["section_id"] = "sec-2" }},
		{"previous hash", func(e *AuditEntry) { e.PreviousHash = "beef" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := testEntry()
			e.Seal()
			tc.mutate(e)
			must.False(t, e.VerifyHash())
		})
	}
}

func TestAuditEntry_VerifyChain(t *testing.T) {
	ci.Parallel(t)

	head := testEntry()
	head.Seal()

	next := testEntry()
	next.ID = "entry-2"
	next.CreateIndex = 2
	next.PreviousHash = head.EntryHash
	next.Seal()

	must.True(t, next.VerifyChain(head))

	// A broken link fails even when the entry's own hash verifies.
	forged := testEntry()
	forged.ID = "entry-3"
	forged.PreviousHash = "0000"
	forged.Seal()
	must.True(t, forged.VerifyHash())
	must.False(t, forged.VerifyChain(head))

	// Chain head must have an empty PreviousHash.
	must.False(t, next.VerifyChain(nil))
}
