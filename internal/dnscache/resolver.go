// Package dnscache resolves a domain to an ordered MailServer sequence
// and caches the result with TTL-aware lazy eviction, spec.md §4.G.
//
// The DNS exchange itself is grounded on foxcpp-maddy's
// framework/dns.ExtResolver (a github.com/miekg/dns.Client wrapped
// around /etc/resolv.conf's server list, one question per exchange,
// RCODE mapped to a typed error), replacing chasquid's own
// internal/courier/smtp.go lookupMXs (net.LookupMX, which exposes no
// TTL and so cannot drive a cache). The A/AAAA implicit-MX fallback and
// MX cap behaviour of lookupMXs are kept.
package dnscache

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/mtaerr"
)

// MailServer is one resolved delivery target.
type MailServer struct {
	Host     string
	Priority uint16
	Port     int
}

const maxMailServers = 5

// Client performs miekg/dns exchanges against the servers configured in
// /etc/resolv.conf, mirroring ExtResolver.exchange's per-server retry
// loop.
type Client struct {
	dnsClient *dns.Client
	servers   []string
	port      string
}

// NewClient loads /etc/resolv.conf the way foxcpp-maddy's
// NewExtResolver does.
func NewClient() (*Client, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	return &Client{
		dnsClient: new(dns.Client),
		servers:   cfg.Servers,
		port:      cfg.Port,
	}, nil
}

func (c *Client) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range c.servers {
		resp, _, lastErr = c.dnsClient.ExchangeContext(ctx, msg, net.JoinHostPort(srv, c.port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = rcodeError(resp.Rcode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// rcodeError classifies an RCODE into the Temporary/Permanent split
// spec.md §4.G calls for: NXDOMAIN is a permanent DomainNotFound,
// everything else (including SERVFAIL) is temporary.
func rcodeError(rcode int) error {
	if rcode == dns.RcodeNameError {
		return mtaerr.PermanentError("dns: domain not found", nil)
	}
	return mtaerr.TemporaryError("dns: lookup failed", dnsRcodeErr(rcode))
}

type dnsRcodeErr int

func (e dnsRcodeErr) Error() string { return dns.RcodeToString[int(e)] }

// lookupMX queries MX records for name, falling back to A/AAAA for
// implicit MX (RFC 5321 §5.1 step 5) when there are no MX records,
// capping the result to maxMailServers, matching chasquid's lookupMXs.
func (c *Client) lookupMX(ctx context.Context, name string) ([]MailServer, time.Duration, error) {
	fqdn := dns.Fqdn(name)

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeMX)
	resp, err := c.exchange(ctx, msg)
	if err != nil {
		return nil, 0, err
	}

	var servers []MailServer
	minTTL := time.Duration(0)
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		servers = append(servers, MailServer{Host: mx.Mx, Priority: mx.Preference, Port: 25})
		ttl := time.Duration(mx.Header().Ttl) * time.Second
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}

	if len(servers) == 0 {
		return c.lookupImplicitMX(ctx, fqdn)
	}

	if len(servers) > maxMailServers {
		servers = servers[:maxMailServers]
	}
	return servers, minTTL, nil
}

// lookupImplicitMX falls back to the domain's own A records (or its
// AAAA records when it has no A records) when it has no MX records,
// per RFC 5321 §5.1 step 5.
func (c *Client) lookupImplicitMX(ctx context.Context, fqdn string) ([]MailServer, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeA)
	resp, err := c.exchange(ctx, msg)
	if err != nil {
		return nil, 0, err
	}

	if len(resp.Answer) == 0 {
		msg6 := new(dns.Msg)
		msg6.SetQuestion(fqdn, dns.TypeAAAA)
		resp, err = c.exchange(ctx, msg6)
		if err != nil {
			return nil, 0, err
		}
	}

	if len(resp.Answer) == 0 {
		return nil, 0, mtaerr.PermanentError("dns: no MX, A or AAAA records for "+fqdn, nil)
	}

	ttl := time.Duration(resp.Answer[0].Header().Ttl) * time.Second
	return []MailServer{{Host: fqdn, Priority: 0, Port: 25}}, ttl, nil
}
