package spool

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	return map[string]Backend{
		"file":   f,
		"memory": NewMemory(8),
	}
}

func sampleContext() *Context {
	sender, _ := address.Parse("a@b.com")
	rcpt, _ := address.Parse("c@d.com")
	return &Context{
		Envelope: address.Envelope{
			Sender:     &sender,
			Recipients: []address.Address{rcpt},
		},
		Data:       []byte("Subject: hi\r\n\r\nbody\r\n"),
		HeloID:     "mail.example.com",
		Extended:   true,
		ReceivedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Metadata:   map[string]string{"remote_addr": "192.0.2.1"},
		Deliveries: map[string]*DeliveryContext{
			"d.com": {
				Domain:   "d.com",
				Status:   Pending,
				QueuedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
				AttemptHistory: []Attempt{
					{
						Timestamp: time.Date(2026, 8, 1, 0, 1, 0, 0, time.UTC),
						Server:    "mx1.d.com:25",
						Outcome:   OutcomeTempFail,
						Detail:    "421 try again later",
						Duration:  250 * time.Millisecond,
					},
				},
			},
		},
	}
}

func TestBackendWriteReadRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := sampleContext()
			id, err := b.Write(ctx)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}

			got, err := b.Read(id)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}

			if diff := cmp.Diff(ctx, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBackendUpdateAndDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := sampleContext()
			id, err := b.Write(ctx)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}

			ctx.Deliveries["d.com"].Status = Completed
			if err := b.Update(id, ctx); err != nil {
				t.Fatalf("Update: %v", err)
			}

			got, err := b.Read(id)
			if err != nil {
				t.Fatalf("Read after update: %v", err)
			}
			if got.Deliveries["d.com"].Status != Completed {
				t.Errorf("status after update = %v, want Completed", got.Deliveries["d.com"].Status)
			}

			if err := b.Delete(id); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := b.Read(id); err != ErrNotFound {
				t.Errorf("Read after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBackendListRejectsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	id, err := f.Write(sampleContext())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A directory entry that isn't a well-formed id must be ignored, not
	// crash List (spec.md §4.F / §9 invariant).
	if err := os.WriteFile(dir+"/not-an-id.bin", []byte("garbage"), 0600); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}
	if err := os.WriteFile(dir+"/stray.txt", []byte("garbage"), 0600); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	ids, err := f.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List() = %v, want [%v]", ids, id)
	}
}

func TestNewFileRejectsBadPaths(t *testing.T) {
	cases := []string{"relative/path", "/etc/empath-spool", "/bin/spool"}
	for _, c := range cases {
		if _, err := NewFile(c); err != ErrInvalidPath {
			// errors are wrapped with fmt.Errorf("%w: ...", ErrInvalidPath, ...)
			if _, ok := errIsInvalidPath(err); !ok {
				t.Errorf("NewFile(%q) = _, %v, want wrapping ErrInvalidPath", c, err)
			}
		}
	}
}

func errIsInvalidPath(err error) (error, bool) {
	for e := err; e != nil; {
		if e == ErrInvalidPath {
			return e, true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		e = u.Unwrap()
	}
	return nil, false
}

func TestFileSweepsOrphanedTombstonesOnOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/01ARZ3NDEKTSV4RRFFQ69G5FAV.bin.deleted", []byte("x"), 0600); err != nil {
		t.Fatalf("writing tombstone: %v", err)
	}

	if _, err := NewFile(dir); err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	if _, err := os.Stat(dir + "/01ARZ3NDEKTSV4RRFFQ69G5FAV.bin.deleted"); !os.IsNotExist(err) {
		t.Errorf("orphaned tombstone was not swept on open")
	}
}
