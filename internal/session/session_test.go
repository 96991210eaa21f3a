package session

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/module"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/queue"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

func testConfig() Config {
	return Config{
		Hostname:       "mx.test",
		Banner:         "test ready",
		MaxMessageSize: 1024,
		CommandTimeout: 5 * time.Second,
		ConnTimeout:    5 * time.Second,
	}
}

func newTestConn(mods []module.Module, cfg Config) (net.Conn, *spool.Memory, *queue.Queue) {
	server, client := net.Pipe()
	bus := &module.Bus{}
	bus.Install(mods)
	backend := spool.NewMemory(10)
	q := queue.New()
	c := New(server, ModeSMTP, cfg, bus, backend, q)
	go c.Handle()
	return client, backend, q
}

// readResponse reads lines until it sees the final line of a (possibly
// multi-line) SMTP response: "CCC msg", a space (not dash) after the
// code.
func readResponse(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var last string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading response: %v", err)
		}
		last = strings.TrimRight(line, "\r\n")
		if len(last) >= 4 && last[3] == ' ' {
			return last
		}
	}
}

func send(t *testing.T, w net.Conn, line string) {
	t.Helper()
	if _, err := w.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("writing %q: %v", line, err)
	}
}

func TestFullTransactionSpoolsAndQueues(t *testing.T) {
	client, backend, q := newTestConn([]module.Module{module.Core{}}, testConfig())
	defer client.Close()
	r := bufio.NewReader(client)

	if got := readResponse(t, r); !strings.HasPrefix(got, "220") {
		t.Fatalf("banner = %q, want 220", got)
	}

	send(t, client, "EHLO client.example")
	if got := readResponse(t, r); !strings.HasPrefix(got, "250") {
		t.Fatalf("EHLO response = %q", got)
	}

	send(t, client, "MAIL FROM:<sender@example.com>")
	if got := readResponse(t, r); !strings.HasPrefix(got, "250") {
		t.Fatalf("MAIL FROM response = %q", got)
	}

	send(t, client, "RCPT TO:<rcpt@example.org>")
	if got := readResponse(t, r); !strings.HasPrefix(got, "250") {
		t.Fatalf("RCPT TO response = %q", got)
	}

	send(t, client, "DATA")
	if got := readResponse(t, r); !strings.HasPrefix(got, "354") {
		t.Fatalf("DATA response = %q", got)
	}

	send(t, client, "Subject: hi")
	send(t, client, "")
	send(t, client, "body")
	send(t, client, ".")
	if got := readResponse(t, r); !strings.HasPrefix(got, "250") {
		t.Fatalf("post-DATA response = %q", got)
	}

	ids, err := backend.List()
	if err != nil || len(ids) != 1 {
		t.Fatalf("backend.List() = %v, %v; want one spooled message", ids, err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want 1", q.Len())
	}

	send(t, client, "QUIT")
	if got := readResponse(t, r); !strings.HasPrefix(got, "221") {
		t.Fatalf("QUIT response = %q", got)
	}
}

func TestModuleRejectsMailFromRollsBackTransaction(t *testing.T) {
	reject := module.Test{
		ValidateFunc: func(event module.ValidateEvent, ctx *module.Context) bool {
			return event != module.ValidateMailFrom
		},
	}
	client, _, _ := newTestConn([]module.Module{reject}, testConfig())
	defer client.Close()
	r := bufio.NewReader(client)

	readResponse(t, r) // banner

	send(t, client, "EHLO client.example")
	readResponse(t, r)

	send(t, client, "MAIL FROM:<sender@example.com>")
	if got := readResponse(t, r); !strings.HasPrefix(got, "550") {
		t.Fatalf("MAIL FROM response = %q, want 550", got)
	}

	// The phase never advanced past Ehlo, so RCPT TO must still be
	// refused for lack of a sender.
	send(t, client, "RCPT TO:<rcpt@example.org>")
	if got := readResponse(t, r); !strings.HasPrefix(got, "503") {
		t.Fatalf("RCPT TO after rejected MAIL FROM = %q, want 503", got)
	}
}

func TestThreeStrikesDisconnects(t *testing.T) {
	client, _, _ := newTestConn([]module.Module{module.Core{}}, testConfig())
	defer client.Close()
	r := bufio.NewReader(client)

	readResponse(t, r) // banner

	for i := 0; i < 3; i++ {
		send(t, client, "BOGUS")
		if got := readResponse(t, r); !strings.HasPrefix(got, "500") {
			t.Fatalf("strike %d response = %q, want 500", i+1, got)
		}
	}

	// The third strike closed the connection; a further write/read must
	// fail rather than hang.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after three strikes")
	}
}

func TestStartTLSUnavailableWithoutConfig(t *testing.T) {
	client, _, _ := newTestConn([]module.Module{module.Core{}}, testConfig())
	defer client.Close()
	r := bufio.NewReader(client)

	readResponse(t, r) // banner
	send(t, client, "EHLO client.example")
	readResponse(t, r)

	send(t, client, "STARTTLS")
	if got := readResponse(t, r); !strings.HasPrefix(got, "454") {
		t.Fatalf("STARTTLS response = %q, want 454", got)
	}
}

func TestOversizedDataRejectedThenConnectionUsable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 5
	client, _, _ := newTestConn([]module.Module{module.Core{}}, cfg)
	defer client.Close()
	r := bufio.NewReader(client)

	readResponse(t, r) // banner
	send(t, client, "EHLO client.example")
	readResponse(t, r)
	send(t, client, "MAIL FROM:<sender@example.com>")
	readResponse(t, r)
	send(t, client, "RCPT TO:<rcpt@example.org>")
	readResponse(t, r)

	send(t, client, "DATA")
	if got := readResponse(t, r); !strings.HasPrefix(got, "354") {
		t.Fatalf("DATA response = %q, want 354", got)
	}

	send(t, client, strings.Repeat("A", 64))
	send(t, client, ".")
	if got := readResponse(t, r); !strings.HasPrefix(got, "552") {
		t.Fatalf("oversized DATA response = %q, want 552", got)
	}

	// The drained connection must still accept further commands.
	send(t, client, "QUIT")
	if got := readResponse(t, r); !strings.HasPrefix(got, "221") {
		t.Fatalf("QUIT after oversized DATA = %q, want 221", got)
	}
}
