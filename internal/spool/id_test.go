package spool

import (
	"strings"
	"testing"
	"time"
)

func TestIDRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	id := NewID(now)

	s := id.String()
	if len(s) != 26 {
		t.Fatalf("String() length = %d, want 26", len(s))
	}

	got, err := ParseID(s)
	if err != nil {
		t.Fatalf("ParseID(%q): %v", s, err)
	}
	if got != id {
		t.Errorf("ParseID(String()) = %v, want %v", got, id)
	}
}

func TestIDOrdering(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	a := NewID(t0)
	b := NewID(t1)

	if !(a.String() < b.String()) {
		t.Errorf("id at earlier time must sort before id at later time: %q vs %q", a.String(), b.String())
	}
}

func TestParseIDRejectsTraversal(t *testing.T) {
	cases := []string{
		"../../../etc/passwd",
		"foo/bar",
		"foo\\bar",
		"short",
		strings.Repeat("Z", 27),
		"0000000000000000000000000",
	}
	for _, c := range cases[:4] {
		if _, err := ParseID(c); err != ErrInvalidID {
			t.Errorf("ParseID(%q) = _, %v, want ErrInvalidID", c, err)
		}
	}
}

func TestParseIDRejectsBadCharacters(t *testing.T) {
	if _, err := ParseID("ILOU" + strings.Repeat("0", 22)); err != ErrInvalidID {
		t.Errorf("Crockford-excluded letters I/L/O/U must be rejected, got err=%v", err)
	}
}
