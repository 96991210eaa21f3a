package proto

import "testing"

func TestTransitionHello(t *testing.T) {
	var s SessionState

	if got := Transition(Connect, Parse("EHLO mail.example.com"), &s); got != Ehlo {
		t.Errorf("Connect+EHLO -> %v, want Ehlo", got)
	}
	if !s.Extended || s.ClientID != "mail.example.com" {
		t.Errorf("state not recorded: %+v", s)
	}

	var s2 SessionState
	if got := Transition(Connect, Parse("HELO there"), &s2); got != Helo {
		t.Errorf("Connect+HELO -> %v, want Helo", got)
	}
	if s2.Extended {
		t.Errorf("HELO must not set Extended")
	}

	var s3 SessionState
	if got := Transition(Connect, Parse("MAIL FROM:<a@b.com>"), &s3); got != InvalidCommandSequence {
		t.Errorf("Connect+MAIL -> %v, want InvalidCommandSequence", got)
	}
}

func TestTransitionStartTLSRequiresExtended(t *testing.T) {
	s := SessionState{Extended: true}
	if got := Transition(Ehlo, Parse("STARTTLS"), &s); got != StartTls {
		t.Errorf("Ehlo+STARTTLS -> %v, want StartTls", got)
	}

	s2 := SessionState{Extended: false}
	if got := Transition(Helo, Parse("STARTTLS"), &s2); got != InvalidCommandSequence {
		t.Errorf("Helo(plain)+STARTTLS -> %v, want InvalidCommandSequence", got)
	}
}

func TestTransitionEnvelopeLifecycle(t *testing.T) {
	s := SessionState{Extended: true}
	phase := Ehlo

	phase = Transition(phase, Parse("MAIL FROM:<a@b.com>"), &s)
	if phase != MailFrom {
		t.Fatalf("after MAIL FROM, phase = %v, want MailFrom", phase)
	}
	if s.Envelope.Sender == nil || s.Envelope.Sender.String() != "a@b.com" {
		t.Fatalf("sender not recorded: %+v", s.Envelope)
	}

	phase = Transition(phase, Parse("RCPT TO:<c@d.com>"), &s)
	if phase != RcptTo {
		t.Fatalf("after RCPT TO, phase = %v, want RcptTo", phase)
	}
	if len(s.Envelope.Recipients) != 1 || s.Envelope.Recipients[0].String() != "c@d.com" {
		t.Fatalf("recipient not recorded: %+v", s.Envelope)
	}

	phase = Transition(phase, Parse("RCPT TO:<e@f.com>"), &s)
	if phase != RcptTo || len(s.Envelope.Recipients) != 2 {
		t.Fatalf("second recipient not accumulated: phase=%v env=%+v", phase, s.Envelope)
	}

	phase = Transition(phase, Parse("DATA"), &s)
	if phase != Data {
		t.Fatalf("after DATA, phase = %v, want Data", phase)
	}

	// MAIL FROM before any RCPT TO cannot reach DATA.
	var s2 SessionState
	p2 := Transition(Ehlo, Parse("MAIL FROM:<a@b.com>"), &s2)
	if got := Transition(p2, Parse("DATA"), &s2); got != InvalidCommandSequence {
		t.Errorf("MailFrom+DATA -> %v, want InvalidCommandSequence", got)
	}
}

func TestTransitionRsetClearsEnvelope(t *testing.T) {
	s := SessionState{Extended: true}
	phase := Ehlo
	phase = Transition(phase, Parse("MAIL FROM:<a@b.com>"), &s)
	phase = Transition(phase, Parse("RCPT TO:<c@d.com>"), &s)

	phase = Transition(phase, Parse("RSET"), &s)
	if phase != Ehlo {
		t.Errorf("RSET from extended session -> %v, want Ehlo", phase)
	}
	if s.Envelope.Sender != nil || len(s.Envelope.Recipients) != 0 {
		t.Errorf("RSET did not clear envelope: %+v", s.Envelope)
	}

	s2 := SessionState{Extended: false}
	if got := Transition(Helo, Parse("RSET"), &s2); got != Helo {
		t.Errorf("RSET from non-extended session -> %v, want Helo", got)
	}
}

func TestTransitionQuitFromAnyPhase(t *testing.T) {
	for _, p := range []Phase{Connect, Ehlo, Helo, MailFrom, RcptTo, Data, Reading, PostDot} {
		var s SessionState
		if got := Transition(p, Parse("QUIT"), &s); got != Quit {
			t.Errorf("%v+QUIT -> %v, want Quit", p, got)
		}
	}
}

func TestTransitionDataResetsOnNonQuit(t *testing.T) {
	var s SessionState
	if got := Transition(Data, Parse("NOOP"), &s); got != Connect {
		t.Errorf("Data+NOOP -> %v, want Connect", got)
	}
}

func TestTransitionPostDotAcceptsMailFrom(t *testing.T) {
	s := SessionState{Extended: true}
	if got := Transition(PostDot, Parse("MAIL FROM:<a@b.com>"), &s); got != MailFrom {
		t.Errorf("PostDot+MAIL -> %v, want MailFrom", got)
	}
}

func TestTransitionInvalidCommandIsSequenceError(t *testing.T) {
	var s SessionState
	if got := Transition(Ehlo, Parse("GARBAGE"), &s); got != InvalidCommandSequence {
		t.Errorf("Ehlo+garbage -> %v, want InvalidCommandSequence", got)
	}
}
