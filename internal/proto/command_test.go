package proto

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
)

func strptr(s string) *string { return &s }

func TestParseVerbs(t *testing.T) {
	cases := []struct {
		in   string
		want Command
	}{
		{"DATA", Command{Verb: CmdData, Raw: "DATA"}},
		{"data", Command{Verb: CmdData, Raw: "data"}},
		{"QUIT", Command{Verb: CmdQuit, Raw: "QUIT"}},
		{"RSET", Command{Verb: CmdRset, Raw: "RSET"}},
		{"STARTTLS", Command{Verb: CmdStartTLS, Raw: "STARTTLS"}},
		{"NOOP", Command{Verb: CmdNoop, Raw: "NOOP"}},
		{"HELP", Command{Verb: CmdHelp, Raw: "HELP"}},
		{"EHLO mail.example.com", Command{Verb: CmdEhlo, Host: "mail.example.com", Raw: "EHLO mail.example.com"}},
		{"helo there", Command{Verb: CmdHelo, Host: "there", Raw: "helo there"}},
		{"bogus command", Command{Verb: Invalid, Raw: "bogus command"}},
	}

	for _, c := range cases {
		got := Parse(c.in)
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", c.in, diff)
		}
	}
}

func TestParseMailFrom(t *testing.T) {
	cases := []struct {
		in   string
		want Command
	}{
		{
			in:   "MAIL FROM:<>",
			want: Command{Verb: CmdMailFrom, NullFrom: true, Raw: "MAIL FROM:<>"},
		},
		{
			in: "MAIL FROM:<a@b.com> SIZE=1024",
			want: Command{
				Verb:    CmdMailFrom,
				From:    address.Address{Local: "a", Domain: "b.com"},
				HasFrom: true,
				Params:  map[string]*string{"SIZE": strptr("1024")},
				Raw:     "MAIL FROM:<a@b.com> SIZE=1024",
			},
		},
		{
			in:   "MAIL FROM:",
			want: Command{Verb: Invalid, Raw: "MAIL FROM:"},
		},
	}

	for _, c := range cases {
		got := Parse(c.in)
		if diff := cmp.Diff(c.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", c.in, diff)
		}
	}
}

func TestParseRcptTo(t *testing.T) {
	got := Parse("RCPT TO:<c@d.com> NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;c@d.com")
	if got.Verb != CmdRcptTo {
		t.Fatalf("got verb %v, want CmdRcptTo", got.Verb)
	}
	want := address.Address{Local: "c", Domain: "d.com"}
	if got.To != want {
		t.Errorf("got To %+v, want %+v", got.To, want)
	}
	if got.Params["NOTIFY"] == nil || *got.Params["NOTIFY"] != "SUCCESS,FAILURE" {
		t.Errorf("NOTIFY param not preserved: %+v", got.Params)
	}
	if v, ok := got.Params["ORCPT"]; !ok || v == nil {
		t.Errorf("ORCPT param not preserved: %+v", got.Params)
	}

	if got := Parse("RCPT TO:<not-an-address>"); got.Verb != Invalid {
		t.Errorf("expected Invalid for malformed recipient, got %v", got.Verb)
	}
}

func TestParseUnknownParamsPreserved(t *testing.T) {
	got := Parse("MAIL FROM:<a@b.com> FUTURE-EXTENSION=xyz")
	if got.Params["FUTURE-EXTENSION"] == nil || *got.Params["FUTURE-EXTENSION"] != "xyz" {
		t.Errorf("unknown ESMTP parameter was dropped, got %+v", got.Params)
	}
}
