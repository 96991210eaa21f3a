// Package controller assembles every collaborator spec.md describes
// into one running process: the module bus, the spool backend, the
// delivery queue and processor, the cleanup queue, and the session
// listeners, then drives the delivery processor on a ticker until
// asked to stop.
//
// Grounded on chasquid's own top-level main() (github.com/chasquid's
// chasquid.go): construct every subsystem from a single loaded Config,
// wire them together, call ListenAndServe, then block on a signal
// channel for graceful shutdown. This package is that wiring, rebuilt
// around spec.md's module/spool/queue/delivery stack instead of
// chasquid's userdb/aliases/DKIM stack.
package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/cleanup"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/config"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/control"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/courier"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/delivery"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/dnscache"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/metrics"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/monitoring"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/module"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/queue"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/ratelimit"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/session"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/wire"
)

// policyAdapter narrows *config.Delivery to delivery.PolicyLookup,
// translating the TOML-facing DomainConfig into delivery's own
// DomainPolicy so internal/delivery never depends on internal/config.
type policyAdapter struct {
	cfg *config.Delivery
}

func (p policyAdapter) Policy(domain string) delivery.DomainPolicy {
	dc := p.cfg.Policy(domain)
	return delivery.DomainPolicy{TLS: dc.TLS.Policy(), MXOverride: dc.MXOverride}
}

// Controller owns every long-lived subsystem and its lifecycle.
type Controller struct {
	cfg *config.Config

	Bus       *module.Bus
	Backend   spool.Backend
	Queue     *queue.Queue
	Resolver  *dnscache.Cache
	Limiter   *ratelimit.Limiter
	Breakers  *ratelimit.Registry
	CleanupQ  *cleanup.Queue
	Processor *delivery.Processor
	Sessions  *session.Server
	Control   *control.Server

	tickInterval time.Duration
}

// New assembles a Controller from a loaded configuration. Nothing is
// listening or delivering until Run is called.
func New(cfg *config.Config) (*Controller, error) {
	bus := &module.Bus{}
	bus.Install(modulesFor(cfg))

	backend, err := spoolBackend(cfg.Spool)
	if err != nil {
		return nil, fmt.Errorf("controller: spool backend: %w", err)
	}

	q := queue.New()
	if err := q.ScanSpool(backend); err != nil {
		return nil, fmt.Errorf("controller: recovering queue from spool: %w", err)
	}

	dnsClient, err := dnscache.NewClient()
	if err != nil {
		return nil, fmt.Errorf("controller: dns client: %w", err)
	}
	resolver := dnscache.NewCache(dnsClient, 10*time.Minute, 4096)

	limiter := ratelimit.New(cfg.Delivery.RateLimit.Capacity, cfg.Delivery.RateLimit.RefillPerSecond)
	breakers := ratelimit.NewRegistry(ratelimit.BreakerConfig{
		FailureThreshold: cfg.Delivery.CircuitBreaker.FailureThreshold,
		BaseTimeout:      cfg.Delivery.CircuitBreaker.BaseTimeout,
		MaxTimeout:       cfg.Delivery.CircuitBreaker.MaxTimeout,
	})

	cleanupQ := cleanup.New(cfg.Delivery.MaxCleanupAttempts)

	tx := courier.NewTransaction(cfg.Hostname, courier.DefaultSmtpTimeouts())

	proc := delivery.New(
		delivery.Config{
			OurDomain:               cfg.Hostname,
			MaxConcurrentDeliveries: cfg.Delivery.MaxConcurrentDeliveries,
			MaxAttempts:             cfg.Delivery.MaxAttempts,
			MessageExpiration:       cfg.Delivery.MessageExpiration,
			BaseDelay:               cfg.Delivery.BaseDelay,
			MaxDelay:                cfg.Delivery.MaxDelay,
			JitterFactor:            cfg.Delivery.JitterFactor,
		},
		backend, q, resolver, limiter, breakers, tx,
		policyAdapter{&cfg.Delivery}, bus, cleanupQ,
	)

	tlsConfig, err := tlsConfigFor(cfg.SMTP)
	if err != nil {
		return nil, fmt.Errorf("controller: tls config: %w", err)
	}

	sessCfg := session.Config{
		Hostname:       cfg.Hostname,
		Banner:         cfg.SMTP.Banner,
		MaxMessageSize: int64(cfg.SMTP.MaxMessageSizeMB) * 1024 * 1024,
		CommandTimeout: 5 * time.Minute,
		ConnTimeout:    30 * time.Minute,
		TLSConfig:      tlsConfig,
	}
	srv := session.NewServer(sessCfg, bus, backend, q)
	for _, addr := range cfg.SMTP.SMTPAddress {
		srv.AddAddr(addr, session.ModeSMTP)
	}
	for _, addr := range cfg.SMTP.SubmissionAddress {
		mode := session.ModeSubmission
		if tlsConfig != nil && cfg.SMTP.RequireTLS {
			mode = session.ModeImplicit
		}
		srv.AddAddr(addr, mode)
	}
	if err := srv.ResolveSystemdListeners(); err != nil {
		return nil, fmt.Errorf("controller: systemd listeners: %w", err)
	}

	var tokenHashes []string
	if cfg.ControlAuth != nil {
		tokenHashes = cfg.ControlAuth.TokenHashes
	}
	ctl, err := control.NewServer(tokenHashes)
	if err != nil {
		return nil, fmt.Errorf("controller: control server: %w", err)
	}

	c := &Controller{
		cfg: cfg, Bus: bus, Backend: backend, Queue: q, Resolver: resolver,
		Limiter: limiter, Breakers: breakers, CleanupQ: cleanupQ,
		Processor: proc, Sessions: srv, Control: ctl, tickInterval: 10 * time.Second,
	}
	c.registerControlHandlers()
	return c, nil
}

// registerControlHandlers wires the System/Dns/Queue introspection
// methods spec.md §4.N names against this controller's live
// collaborators.
func (c *Controller) registerControlHandlers() {
	c.Control.Register("queue.snapshot", func([]byte) ([]byte, error) {
		enc := wire.NewEncoder()
		items := c.Queue.Snapshot()
		enc.PutUint32(uint32(len(items)))
		for _, item := range items {
			enc.PutString(item.MessageID.String())
			enc.PutString(item.Domain)
			enc.PutUint8(uint8(item.Status))
			enc.PutUint32(uint32(item.Attempts))
		}
		return enc.Bytes(), nil
	})

	c.Control.Register("dns.list", func([]byte) ([]byte, error) {
		enc := wire.NewEncoder()
		cached := c.Resolver.List()
		enc.PutUint32(uint32(len(cached)))
		for domain, servers := range cached {
			enc.PutString(domain)
			enc.PutUint32(uint32(len(servers)))
			for _, s := range servers {
				enc.PutString(s.Host)
				enc.PutUint32(uint32(s.Priority))
			}
		}
		return enc.Bytes(), nil
	})

	c.Control.Register("system.status", func([]byte) ([]byte, error) {
		enc := wire.NewEncoder()
		enc.PutString(c.cfg.Hostname)
		enc.PutUint32(uint32(c.Queue.Len()))
		enc.PutUint32(uint32(c.CleanupQ.Len()))
		return enc.Bytes(), nil
	})

	c.Control.Register("ratelimit.breakers", func([]byte) ([]byte, error) {
		enc := wire.NewEncoder()
		stats := c.Breakers.All()
		enc.PutUint32(uint32(len(stats)))
		for domain, st := range stats {
			enc.PutString(domain)
			enc.PutUint8(uint8(st.State))
			enc.PutUint32(uint32(st.ConsecutiveFails))
		}
		return enc.Bytes(), nil
	})
}

func modulesFor(cfg *config.Config) []module.Module {
	mods := []module.Module{module.Core{}}
	for _, name := range cfg.Modules {
		if name == "metrics" {
			mods = append(mods, module.Metrics{Sink: metrics.NewPrometheus()})
		}
	}
	return mods
}

func spoolBackend(cfg config.Spool) (spool.Backend, error) {
	if cfg.Memory {
		return spool.NewMemory(cfg.Capacity), nil
	}
	return spool.NewFile(cfg.Path)
}

func tlsConfigFor(cfg config.SMTP) (*tls.Config, error) {
	if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading cert/key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Run starts the session listeners and drives the delivery processor
// until ctx is cancelled, then stops accepting new connections. It
// blocks until shutdown completes.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Sessions.ListenAndServe(); err != nil {
		return fmt.Errorf("controller: starting listeners: %w", err)
	}

	monitoring.Serve(c.cfg.MonitoringAddress)

	controlErrs := make(chan error, 1)
	go func() {
		controlErrs <- c.Control.ListenAndServe(c.cfg.ControlSocket)
	}()

	log.Infof("controller: listening, hostname=%q", c.cfg.Hostname)

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("controller: shutting down")
			c.Sessions.Close()
			c.Control.Close()
			return nil
		case err := <-controlErrs:
			if err != nil {
				log.Errorf("controller: control socket stopped: %v", err)
			}
		case now := <-ticker.C:
			c.Processor.RunOnce(ctx, now)
		}
	}
}
