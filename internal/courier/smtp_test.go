package courier

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/dnscache"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/mtaerr"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

func TestSMTPDeliverySucceeds(t *testing.T) {
	s := newFakeServer(t, map[string]string{
		"_welcome":                  "220 fake server ready\n",
		"EHLO hello":                "250 hi there\n",
		"MAIL FROM:<from@from.org>": "250 ok\n",
		"RCPT TO:<to@to.org>":       "250 ok\n",
		"DATA":                      "354 go ahead\n",
		"_DATA":                     "250 done\n",
		"QUIT":                      "221 bye\n",
	})
	defer s.Cleanup()

	tx := NewTransaction("hello", DefaultSmtpTimeouts())
	host, port := splitHostPort(t, s.addr)

	result, err := tx.Deliver(context.Background(), dnscache.MailServer{Host: host, Port: port}, PlainOnly,
		"from@from.org", []string{"to@to.org"}, []byte("data"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(result.Recipients) != 1 || result.Recipients[0].Err != nil {
		t.Errorf("Recipients = %+v, want one success", result.Recipients)
	}

	s.Wait()
}

func TestSMTPPartialRecipientFailure(t *testing.T) {
	s := newFakeServer(t, map[string]string{
		"_welcome":                  "220 fake server ready\n",
		"EHLO hello":                "250 hi there\n",
		"MAIL FROM:<from@from.org>": "250 ok\n",
		"RCPT TO:<good@to.org>":     "250 ok\n",
		"RCPT TO:<bad@to.org>":      "550 5.1.1 no such user\n",
		"DATA":                      "354 go ahead\n",
		"_DATA":                     "250 done\n",
		"QUIT":                      "221 bye\n",
	})
	defer s.Cleanup()

	tx := NewTransaction("hello", DefaultSmtpTimeouts())
	host, port := splitHostPort(t, s.addr)

	result, err := tx.Deliver(context.Background(), dnscache.MailServer{Host: host, Port: port}, PlainOnly,
		"from@from.org", []string{"good@to.org", "bad@to.org"}, []byte("data"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	byRcpt := map[string]error{}
	for _, r := range result.Recipients {
		byRcpt[r.Recipient] = r.Err
	}
	if byRcpt["good@to.org"] != nil {
		t.Errorf("good@to.org should have succeeded, got %v", byRcpt["good@to.org"])
	}
	if err := byRcpt["bad@to.org"]; err == nil || mtaerr.Classify(err) != mtaerr.Permanent {
		t.Errorf("bad@to.org should be a PermanentError, got %v", err)
	}

	s.Wait()
}

func TestSMTPRequiredTLSWithoutAdvertisementFails(t *testing.T) {
	s := newFakeServer(t, map[string]string{
		"_welcome":   "220 fake server ready\n",
		"EHLO hello": "250 hi there\n",
	})
	defer s.Cleanup()

	tx := NewTransaction("hello", DefaultSmtpTimeouts())
	host, port := splitHostPort(t, s.addr)

	_, err := tx.Deliver(context.Background(), dnscache.MailServer{Host: host, Port: port}, Required,
		"from@from.org", []string{"to@to.org"}, []byte("data"))
	if err == nil || mtaerr.Classify(err) != mtaerr.Permanent {
		t.Errorf("expected a PermanentError when TLS is required but unavailable, got %v", err)
	}
}
