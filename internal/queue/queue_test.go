package queue

import (
	"testing"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

func TestPutGetRemove(t *testing.T) {
	q := New()
	id := spool.NewID(time.Now())
	q.Put(&DeliveryInfo{MessageID: id, Domain: "example.com", Status: spool.Pending})

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	if _, ok := q.Get(id, "example.com"); !ok {
		t.Fatal("Get did not find the entry just Put")
	}

	q.Remove(id, "example.com")
	if q.Len() != 0 {
		t.Errorf("Len() after Remove = %d, want 0", q.Len())
	}
}

func TestRemoveMessageDropsAllDomains(t *testing.T) {
	q := New()
	id := spool.NewID(time.Now())
	q.Put(&DeliveryInfo{MessageID: id, Domain: "a.example", Status: spool.Pending})
	q.Put(&DeliveryInfo{MessageID: id, Domain: "b.example", Status: spool.Pending})
	q.Put(&DeliveryInfo{MessageID: spool.NewID(time.Now()), Domain: "a.example", Status: spool.Pending})

	q.RemoveMessage(id)
	if q.Len() != 1 {
		t.Errorf("Len() after RemoveMessage = %d, want 1", q.Len())
	}
}

func TestDueForRetryOrdersByNextRetryAt(t *testing.T) {
	q := New()
	now := time.Now()
	late := &DeliveryInfo{MessageID: spool.NewID(now), Domain: "late.example", Status: spool.Retry, NextRetryAt: now.Add(-time.Minute)}
	early := &DeliveryInfo{MessageID: spool.NewID(now), Domain: "early.example", Status: spool.Retry, NextRetryAt: now.Add(-time.Hour)}
	notYet := &DeliveryInfo{MessageID: spool.NewID(now), Domain: "future.example", Status: spool.Retry, NextRetryAt: now.Add(time.Hour)}
	done := &DeliveryInfo{MessageID: spool.NewID(now), Domain: "done.example", Status: spool.Completed, NextRetryAt: now.Add(-time.Hour)}

	q.Put(late)
	q.Put(early)
	q.Put(notYet)
	q.Put(done)

	due := q.DueForRetry(now)
	if len(due) != 2 {
		t.Fatalf("DueForRetry returned %d entries, want 2: %+v", len(due), due)
	}
	if due[0].Domain != "early.example" || due[1].Domain != "late.example" {
		t.Errorf("DueForRetry order = [%s, %s], want [early.example, late.example]", due[0].Domain, due[1].Domain)
	}
}

func TestScanSpoolPartitionsFreshMessageByDomain(t *testing.T) {
	backend := spool.NewMemory(8)
	sender, _ := address.Parse("a@origin.example")
	r1, _ := address.Parse("u1@a.example")
	r2, _ := address.Parse("u2@a.example")
	r3, _ := address.Parse("u3@b.example")

	_, err := backend.Write(&spool.Context{
		Envelope: address.Envelope{
			Sender:     &sender,
			Recipients: []address.Address{r1, r2, r3},
		},
		Data:       []byte("data"),
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	q := New()
	if err := q.ScanSpool(backend); err != nil {
		t.Fatalf("ScanSpool: %v", err)
	}

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (one per unique recipient domain)", q.Len())
	}
}

func TestScanSpoolRestoresPersistedDeliveryAndResetsInProgress(t *testing.T) {
	backend := spool.NewMemory(8)
	sender, _ := address.Parse("a@origin.example")
	rcpt, _ := address.Parse("u@a.example")

	id, err := backend.Write(&spool.Context{
		Envelope: address.Envelope{Sender: &sender, Recipients: []address.Address{rcpt}},
		Data:     []byte("data"),
		Deliveries: map[string]*spool.DeliveryContext{
			"a.example": {Domain: "a.example", Status: spool.InProgress, ServerIndex: 1},
		},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	q := New()
	if err := q.ScanSpool(backend); err != nil {
		t.Fatalf("ScanSpool: %v", err)
	}

	info, ok := q.Get(id, "a.example")
	if !ok {
		t.Fatal("ScanSpool did not restore the persisted delivery entry")
	}
	if info.Status != spool.Pending {
		t.Errorf("Status = %v, want Pending (InProgress must reset on restart)", info.Status)
	}
	if info.ServerIndex != 1 {
		t.Errorf("ServerIndex = %d, want 1 (preserved from persisted state)", info.ServerIndex)
	}
}
