// Package address implements the mailbox and envelope types spec.md §3
// describes (Address, Envelope), generalising chasquid's own
// internal/envelope helpers (Split/UserOf/DomainOf/AddHeader, kept
// below) from loose strings into typed values with a round-trip
// parse/display contract.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/set"
)

// Address is a parsed mailbox {local_part, domain}.
type Address struct {
	Local  string
	Domain string
}

// ErrInvalidAddress is returned by Parse for malformed mailboxes.
var ErrInvalidAddress = errors.New("address: invalid mailbox")

// Parse splits a user@domain string into an Address. It does not
// validate RFC 5321 local-part grammar beyond requiring a single '@'
// separator with non-empty sides, mirroring chasquid's own permissive
// Split.
func Parse(addr string) (Address, error) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 || ps[0] == "" || ps[1] == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return Address{Local: ps[0], Domain: ps[1]}, nil
}

// String displays the address as local@domain. Parse(a.String()) must
// reproduce a, the round-trip property spec.md §4.B and §8 require.
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// Split an user@domain address into user and domain, matching
// chasquid's original helper for callers that do not need a typed
// Address.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}
	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// DomainIn checks that the domain of the address is on the given set.
func DomainIn(addr string, locals *set.String) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}
	return locals.Has(domain)
}

// AddHeader adds (prepends) a MIME header to the message.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.Replace(v, "\n", "\n\t", -1)
	}
	header := []byte(fmt.Sprintf("%s: %s\n", k, v))
	return append(header, data...)
}

// Envelope is the per-transaction state spec.md §3 describes: an
// optional sender (Sender nil with NullSender false means no MAIL FROM
// yet; NullSender true, with Sender nil, is the RFC 5321 null
// reverse-path "<>", used by DSNs),
// an ordered recipient list, and ESMTP parameter maps for MAIL/RCPT.
type Envelope struct {
	// Sender is nil before MAIL FROM. NullSender reports the "<>" case.
	Sender     *Address
	NullSender bool

	Recipients []Address

	MailParams map[string]*string
	RcptParams map[string]*string
}

// Reset clears the envelope in place, as RSET and a completed DATA do
// per spec.md §4.C.
func (e *Envelope) Reset() {
	e.Sender = nil
	e.NullSender = false
	e.Recipients = nil
	e.MailParams = nil
	e.RcptParams = nil
}

// SetSender records the MAIL FROM address. A nil addr represents the
// null reverse-path.
func (e *Envelope) SetSender(addr *Address, params map[string]*string) {
	if addr == nil {
		e.NullSender = true
		e.Sender = nil
	} else {
		e.NullSender = false
		e.Sender = addr
	}
	e.MailParams = params
}

// AddRecipient appends a RCPT TO recipient.
func (e *Envelope) AddRecipient(addr Address, params map[string]*string) {
	e.Recipients = append(e.Recipients, addr)
	if e.RcptParams == nil {
		e.RcptParams = map[string]*string{}
	}
	for k, v := range params {
		e.RcptParams[k] = v
	}
}

// SenderString renders the envelope sender for SMTP wire use: "<>" for
// the null sender, "" when no MAIL FROM has happened yet, else the
// address string.
func (e *Envelope) SenderString() string {
	switch {
	case e.NullSender:
		return "<>"
	case e.Sender != nil:
		return e.Sender.String()
	default:
		return ""
	}
}
