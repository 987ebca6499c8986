package audit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/Musonder/Smart-Campus-Assignment/campus/structs"
	"github.com/Musonder/Smart-Campus-Assignment/ci"
	"github.com/Musonder/Smart-Campus-Assignment/helper/testlog"
)

func testLog(t *testing.T) (*Log, Store) {
	t.Helper()
	store, err := NewMemdbStore()
	must.NoError(t, err)
	log, err := NewLog(testlog.HCLogger(t), store)
	must.NoError(t, err)
	return log, store
}

func TestLog_Append_ChainsEntries(t *testing.T) {
	ci.Parallel(t)
	log, store := testLog(t)

	first, err := log.Append("enrollment.create", "enrollment", "enr-1", "student-1",
		map[string]string{"section_id": "sec-1"})
	must.NoError(t, err)
	must.Eq(t, "", first.PreviousHash)
	must.Eq(t, uint64(1), first.CreateIndex)
	must.True(t, first.VerifyHash())

	second, err := log.Append("enrollment.drop", "enrollment", "enr-1", "student-1", nil)
	must.NoError(t, err)
	must.Eq(t, first.EntryHash, second.PreviousHash)
	must.Eq(t, uint64(2), second.CreateIndex)

	entries, err := store.Entries()
	must.NoError(t, err)
	must.Len(t, 2, entries)
	must.NoError(t, log.VerifyChain())
}

func TestLog_VerifyChain_DetectsTampering(t *testing.T) {
	ci.Parallel(t)

	// A slice-backed store the test can reach into and mutate.
	store := &sliceStore{}
	log, err := NewLog(testlog.HCLogger(t), store)
	must.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := log.Append("enrollment.create", "enrollment",
			fmt.Sprintf("enr-%d", i), "student-1", nil)
		must.NoError(t, err)
	}
	must.NoError(t, log.VerifyChain())

	// Rewrite history: change the middle entry's actor.
	store.entries[1].ActorID = "intruder"

	err = log.VerifyChain()
	must.Error(t, err)
	// The mutated entry fails its own hash, and the next entry's link
	// still matches the recorded (now invalid) hash, so exactly one
	// entry reports. Re-sealing instead breaks the link to entry 3.
	store.entries[1].Seal()
	err = log.VerifyChain()
	must.Error(t, err)
	must.StrContains(t, err.Error(), "breaks the chain link")
}

func TestLog_VerifyChain_DetectsDeletion(t *testing.T) {
	ci.Parallel(t)

	store := &sliceStore{}
	log, err := NewLog(testlog.HCLogger(t), store)
	must.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := log.Append("enrollment.create", "enrollment",
			fmt.Sprintf("enr-%d", i), "student-1", nil)
		must.NoError(t, err)
	}

	// Excise the middle entry; the third no longer links to the first.
	store.entries = append(store.entries[:1], store.entries[2:]...)
	must.Error(t, log.VerifyChain())
}

func TestLog_Append_StoreFailureIsFatal(t *testing.T) {
	ci.Parallel(t)

	store := &sliceStore{failAppends: true}
	log, err := NewLog(testlog.HCLogger(t), store)
	must.NoError(t, err)

	_, err = log.Append("enrollment.create", "enrollment", "enr-1", "student-1", nil)
	must.ErrorIs(t, err, structs.ErrAuditFailure)

	// The in-memory tail did not advance; recovery appends chain from
	// the last durable entry.
	store.failAppends = false
	entry, err := log.Append("enrollment.create", "enrollment", "enr-1", "student-1", nil)
	must.NoError(t, err)
	must.Eq(t, "", entry.PreviousHash)
	must.Eq(t, uint64(1), entry.CreateIndex)
}

func TestLog_ResumesFromExistingChain(t *testing.T) {
	ci.Parallel(t)

	store := &sliceStore{}
	log, err := NewLog(testlog.HCLogger(t), store)
	must.NoError(t, err)
	tail, err := log.Append("enrollment.create", "enrollment", "enr-1", "student-1", nil)
	must.NoError(t, err)

	// A new Log over the same store continues the chain.
	reopened, err := NewLog(testlog.HCLogger(t), store)
	must.NoError(t, err)
	next, err := reopened.Append("enrollment.drop", "enrollment", "enr-1", "student-1", nil)
	must.NoError(t, err)
	must.Eq(t, tail.EntryHash, next.PreviousHash)
	must.Eq(t, uint64(2), next.CreateIndex)
	must.NoError(t, reopened.VerifyChain())
}

// sliceStore is a Store whose entries tests can mutate in place.
type sliceStore struct {
	entries     []*structs.AuditEntry
	failAppends bool
}

func (s *sliceStore) AppendEntry(e *structs.AuditEntry) error {
	if s.failAppends {
		return errors.New("disk on fire")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *sliceStore) TailEntry() (*structs.AuditEntry, error) {
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *sliceStore) Entries() ([]*structs.AuditEntry, error) {
	return s.entries, nil
}
