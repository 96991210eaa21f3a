package cleanup

import (
	"errors"
	"testing"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

func TestAddFailedDeletionIsImmediatelyReady(t *testing.T) {
	q := New(0)
	id := spool.NewID(time.Now())
	now := time.Now()
	q.AddFailedDeletion(id, now)

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	var deleted []spool.ID
	q.Drain(now, func(i spool.ID) error {
		deleted = append(deleted, i)
		return nil
	})

	if len(deleted) != 1 || deleted[0] != id {
		t.Errorf("Drain should have attempted deletion of %v, got %v", id, deleted)
	}
	if q.Len() != 0 {
		t.Errorf("successful deletion should remove the entry, Len = %d", q.Len())
	}
}

func TestDrainReschedulesOnFailureWithBackoff(t *testing.T) {
	q := New(0)
	id := spool.NewID(time.Now())
	now := time.Now()
	q.AddFailedDeletion(id, now)

	errDeleteFailed := errors.New("permission denied")
	q.Drain(now, func(spool.ID) error { return errDeleteFailed })

	if q.Len() != 1 {
		t.Fatalf("a failed deletion should stay in the queue, Len = %d", q.Len())
	}

	// Not ready yet: the backoff should have pushed next_retry_at into
	// the future.
	var calls int
	q.Drain(now, func(spool.ID) error { calls++; return nil })
	if calls != 0 {
		t.Errorf("Drain should not retry before next_retry_at, calls = %d", calls)
	}

	// Now ready, far enough in the future that any reasonable backoff
	// has elapsed.
	future := now.Add(time.Hour)
	q.Drain(future, func(spool.ID) error { return nil })
	if q.Len() != 0 {
		t.Errorf("entry should be removed once retried successfully, Len = %d", q.Len())
	}
}

func TestDrainGivesUpAfterMaxAttempts(t *testing.T) {
	q := New(2)
	id := spool.NewID(time.Now())
	now := time.Now()
	q.AddFailedDeletion(id, now)

	errDeleteFailed := errors.New("disk full")
	future := now
	for i := 0; i < 5; i++ {
		future = future.Add(time.Hour)
		q.Drain(future, func(spool.ID) error { return errDeleteFailed })
	}

	if q.Len() != 0 {
		t.Errorf("entry should be dropped once MaxAttempts is exceeded, Len = %d", q.Len())
	}
}
