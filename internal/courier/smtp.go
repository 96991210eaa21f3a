// Package courier implements the outbound SMTP client transaction
// spec.md §4.J describes: connect, EHLO, optional STARTTLS, MAIL/RCPT
// per recipient with partial-failure tracking, DATA, QUIT.
//
// Grounded on chasquid's own internal/courier/smtp.go SMTP.Deliver/
// attempt.deliver (dial/EHLO/STARTTLS/MailAndRcpt/Data/Quit sequencing,
// the retry-without-TLS-on-low-level-error behaviour) and
// internal/smtp/smtp.go (SMTPUTF8 address preparation, net/smtp.Client
// embedding), restructured around mtaerr's typed error categories
// instead of chasquid's (error, bool) tuple, and around per-recipient
// partial failure (spec §4.J: "a 5xx on one RCPT TO does not abort
// other recipients") instead of a single to address per call.
package courier

import (
	"context"
	"crypto/tls"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/dnscache"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/mtaerr"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/smtp"
)

// TLSPolicy is the per-domain STARTTLS requirement, spec §3's
// DomainConfig.tls.
type TLSPolicy int

const (
	Opportunistic TLSPolicy = iota
	Required
	PlainOnly
)

// SmtpTimeouts carries the per-phase timeouts spec §4.J/SPEC_FULL §12
// describe, supplementing the teacher's single smtpDialTimeout/
// smtpTotalTimeout pair with the original's SmtpTimeouts granularity
// (empath-delivery/src/types.rs). The configuration document has no
// section for them; internal/controller uses DefaultSmtpTimeouts.
type SmtpTimeouts struct {
	Connect  time.Duration
	EHLO     time.Duration
	STARTTLS time.Duration
	Mail     time.Duration
	Rcpt     time.Duration
	Data     time.Duration
	Quit     time.Duration
}

// DefaultSmtpTimeouts keeps chasquid's 1-minute dial timeout and gives
// every other phase its own budget; the phases add up to 12m10s.
func DefaultSmtpTimeouts() SmtpTimeouts {
	return SmtpTimeouts{
		Connect:  1 * time.Minute,
		EHLO:     1 * time.Minute,
		STARTTLS: 1 * time.Minute,
		Mail:     2 * time.Minute,
		Rcpt:     2 * time.Minute,
		Data:     5 * time.Minute,
		Quit:     10 * time.Second,
	}
}

// RecipientResult is the per-recipient outcome of one transaction.
type RecipientResult struct {
	Recipient string
	Err       error // nil on success; an mtaerr category otherwise
}

// Result is the outcome of a full transaction against one mail server.
type Result struct {
	Recipients []RecipientResult
	UsedTLS    bool
}

// Transaction runs one outbound SMTP delivery attempt.
type Transaction struct {
	HelloDomain string
	Timeouts    SmtpTimeouts

	// dialContext is overridable for tests.
	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTransaction returns a Transaction using the system dialer.
func NewTransaction(helloDomain string, timeouts SmtpTimeouts) *Transaction {
	return &Transaction{HelloDomain: helloDomain, Timeouts: timeouts}
}

func (t *Transaction) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.dialContext != nil {
		return t.dialContext(ctx, "tcp", addr)
	}
	d := net.Dialer{Timeout: t.Timeouts.Connect}
	return d.DialContext(ctx, "tcp", addr)
}

// Deliver attempts to deliver data from `from` to every recipient in
// `recipients` against server, honoring policy for STARTTLS. Recipient
// outcomes are independent: a 5xx on one RCPT TO never aborts the
// others (spec §4.J). The returned error, if non-nil, is a
// transaction-level failure (dial, greeting, EHLO, STARTTLS policy,
// MAIL FROM, or a failed write of the message body) that applies
// uniformly to every recipient that has not already been resolved. A
// rejected DATA command or final DATA reply is reported per accepted
// recipient in the Result instead.
func (t *Transaction) Deliver(ctx context.Context, server dnscache.MailServer, policy TLSPolicy, from string, recipients []string, data []byte) (Result, error) {
	addr := net.JoinHostPort(server.Host, portOf(server))

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return Result{}, mtaerr.TemporaryError("dial "+addr, err)
	}

	skipTLS := policy == PlainOnly
retry:
	conn.SetDeadline(time.Now().Add(t.Timeouts.Connect))
	c, err := smtp.NewClient(conn, server.Host)
	if err != nil {
		conn.Close()
		return Result{}, mtaerr.TemporaryError("smtp handshake", err)
	}
	defer c.Close()

	conn.SetDeadline(time.Now().Add(t.Timeouts.EHLO))
	if err := c.Hello(t.HelloDomain); err != nil {
		return Result{}, mtaerr.TemporaryError("EHLO", err)
	}

	usedTLS := false
	if ok, _ := c.Extension("STARTTLS"); ok && !skipTLS {
		conn.SetDeadline(time.Now().Add(t.Timeouts.STARTTLS))
		tlsErr := c.StartTLS(&tls.Config{ServerName: server.Host})
		if tlsErr != nil {
			if policy == Required {
				return Result{}, mtaerr.PermanentError("STARTTLS required but failed", tlsErr)
			}
			// TLS negotiation failure, including a certificate that
			// fails verification (such as a self-signed one): retry
			// once without TLS, mirroring chasquid's attempt.deliver.
			skipTLS = true
			c.Close()
			conn, err = t.dial(ctx, addr)
			if err != nil {
				return Result{}, mtaerr.TemporaryError("dial "+addr, err)
			}
			goto retry
		}
		usedTLS = true
	} else if policy == Required {
		return Result{}, mtaerr.PermanentError("STARTTLS required but not advertised", nil)
	}

	conn.SetDeadline(time.Now().Add(t.Timeouts.Mail))
	if err := c.Mail(from, len(data)); err != nil {
		return Result{}, classifySMTPErr(err)
	}

	result := Result{UsedTLS: usedTLS}
	var accepted []string
	conn.SetDeadline(time.Now().Add(t.Timeouts.Rcpt))
	for _, rcpt := range recipients {
		if rcptErr := c.Rcpt(rcpt); rcptErr != nil {
			result.Recipients = append(result.Recipients, RecipientResult{Recipient: rcpt, Err: classifySMTPErr(rcptErr)})
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		// Every recipient was rejected; nothing left to DATA.
		return result, nil
	}

	conn.SetDeadline(time.Now().Add(t.Timeouts.Data))
	w, err := c.Data()
	if err != nil {
		dataErr := classifySMTPErr(err)
		for _, rcpt := range accepted {
			result.Recipients = append(result.Recipients, RecipientResult{Recipient: rcpt, Err: dataErr})
		}
		return result, nil
	}
	if _, err := w.Write(data); err != nil {
		return Result{}, mtaerr.TemporaryError("DATA write", err)
	}
	if err := w.Close(); err != nil {
		dataErr := classifySMTPErr(err)
		for _, rcpt := range accepted {
			result.Recipients = append(result.Recipients, RecipientResult{Recipient: rcpt, Err: dataErr})
		}
		return result, nil
	}

	for _, rcpt := range accepted {
		result.Recipients = append(result.Recipients, RecipientResult{Recipient: rcpt})
	}

	conn.SetDeadline(time.Now().Add(t.Timeouts.Quit))
	_ = c.Quit() // QUIT failure is never fatal (spec §4.J).

	return result, nil
}

func portOf(s dnscache.MailServer) string {
	if s.Port != 0 {
		return strconv.Itoa(s.Port)
	}
	return "25"
}

// classifySMTPErr maps an internal/smtp.Client error (a
// *textproto.Error for protocol-level rejections) onto mtaerr's
// categories, per spec §7/§4.J: 5xx is permanent, everything else
// (4xx, network, timeout) is temporary.
func classifySMTPErr(err error) error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*textproto.Error); ok && te.Code >= 500 && te.Code < 600 {
		return mtaerr.PermanentError("smtp", err)
	}
	return mtaerr.TemporaryError("smtp", err)
}
