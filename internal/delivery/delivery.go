// Package delivery implements the outbound delivery processor spec.md
// §4.K describes: a periodic scan/partition/dispatch/categorise/persist
// cycle over internal/queue's in-memory index, backed by
// internal/spool, internal/dnscache, internal/ratelimit and
// internal/courier.
//
// Grounded on chasquid's internal/queue/queue.go SendLoop/sendOneRcpt
// scan-and-dispatch shape (iterate entries, dispatch each
// independently, persist the result), restructured around spec §4.K's
// explicit six-step cycle and the retry formula ported from
// original_source/empath-delivery/src/queue/retry.rs's
// calculate_next_retry_time (exponential backoff with saturating
// exponent clamp at 63, plus jitter). Concurrency is bounded by
// golang.org/x/sync/errgroup (a foxcpp-maddy dependency) instead of
// chasquid's unbounded per-item goroutine spawn, to honor spec §4.K
// step 3's max_concurrent_deliveries cap.
package delivery

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/cleanup"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/courier"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/dnscache"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/maillog"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/module"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/mtaerr"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/queue"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/ratelimit"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

// DomainPolicy is the per-domain configuration the processor consults
// before each delivery attempt, spec.md §3's DomainConfig narrowed to
// what this package needs.
type DomainPolicy struct {
	TLS        courier.TLSPolicy
	MXOverride string
}

// PolicyLookup resolves a recipient domain's policy, with the
// exact-match → wildcard-prefix → global-default fallback spec.md §3
// describes implemented by the caller (internal/config).
type PolicyLookup interface {
	Policy(domain string) DomainPolicy
}

// Courier runs one outbound SMTP transaction, satisfied by
// *courier.Transaction. Grounded on chasquid's own
// internal/courier/courier.go Courier interface, narrowed to the one
// method this package calls so tests can inject a stub transaction
// without opening a real socket.
type Courier interface {
	Deliver(ctx context.Context, server dnscache.MailServer, policy courier.TLSPolicy, from string, recipients []string, data []byte) (courier.Result, error)
}

// Config tunes one Processor.
type Config struct {
	OurDomain               string
	MaxConcurrentDeliveries int
	MaxAttempts             int
	MessageExpiration       time.Duration
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	JitterFactor            float64
}

// DefaultConfig mirrors the original's documented defaults
// (empath-delivery/src/queue/retry.rs): 1 minute base, 24 hour cap,
// ±10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDeliveries: 20,
		MaxAttempts:             8,
		MessageExpiration:       5 * 24 * time.Hour,
		BaseDelay:               1 * time.Minute,
		MaxDelay:                24 * time.Hour,
		JitterFactor:            0.1,
	}
}

// Processor runs the periodic delivery cycle.
type Processor struct {
	cfg Config

	backend  spool.Backend
	queue    *queue.Queue
	resolver *dnscache.Cache
	limiter  *ratelimit.Limiter
	breakers *ratelimit.Registry
	tx       Courier
	policy   PolicyLookup
	bus      *module.Bus
	cleanupQ *cleanup.Queue
}

// New assembles a Processor from its collaborators.
func New(cfg Config, backend spool.Backend, q *queue.Queue, resolver *dnscache.Cache,
	limiter *ratelimit.Limiter, breakers *ratelimit.Registry, tx Courier,
	policy PolicyLookup, bus *module.Bus, cleanupQ *cleanup.Queue) *Processor {
	return &Processor{
		cfg: cfg, backend: backend, queue: q, resolver: resolver,
		limiter: limiter, breakers: breakers, tx: tx, policy: policy,
		bus: bus, cleanupQ: cleanupQ,
	}
}

// OldestPendingAge reports the age of the oldest Pending or Retry
// entry, spec §4.K step 1's "update oldest-age metric". Zero means the
// queue has no such entry.
func (p *Processor) OldestPendingAge(now time.Time) time.Duration {
	var oldest time.Time
	for _, info := range p.queue.Snapshot() {
		if info.Status != spool.Pending && info.Status != spool.Retry {
			continue
		}
		if oldest.IsZero() || info.QueuedAt.Before(oldest) {
			oldest = info.QueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// RunOnce executes one full cycle: partition, dispatch up to
// MaxConcurrentDeliveries concurrently, categorise and persist each
// outcome, then drain the cleanup queue (spec §4.K/§4.L).
func (p *Processor) RunOnce(ctx context.Context, now time.Time) {
	candidates := p.partition(now)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(p.cfg.MaxConcurrentDeliveries, 1))
	for _, info := range candidates {
		info := info
		g.Go(func() error {
			p.dispatch(gctx, info, now)
			return nil
		})
	}
	_ = g.Wait()

	if p.cleanupQ != nil {
		p.cleanupQ.Drain(now, p.backend.Delete)
	}
}

// partition implements spec §4.K step 2: expire stale entries, reset
// due retries back to Pending, and collect everything now eligible for
// dispatch.
func (p *Processor) partition(now time.Time) []*queue.DeliveryInfo {
	var candidates []*queue.DeliveryInfo
	for _, info := range p.queue.Snapshot() {
		switch info.Status {
		case spool.Completed, spool.Failed, spool.Expired, spool.InProgress:
			continue
		}

		if now.Sub(info.QueuedAt) > p.cfg.MessageExpiration {
			p.expire(info, now)
			continue
		}

		if info.Status == spool.Retry {
			if now.Before(info.NextRetryAt) {
				continue
			}
			info.Status = spool.Pending
			info.ServerIndex = 0
		}

		if info.Status != spool.Pending {
			continue
		}

		candidates = append(candidates, info)
	}
	return candidates
}

func (p *Processor) expire(info *queue.DeliveryInfo, now time.Time) {
	info.Status = spool.Expired
	p.persist(info, "message expired", now)
	p.synthesizeAndSpoolDSN(info, now)
	p.deleteSpooled(info, now)
}

// dispatch implements spec §4.K steps 4-6 for a single (message,
// domain) candidate. The Pending→InProgress transition is the
// exclusion point spec §5 requires: no two tasks ever run a delivery
// attempt for the same (message, domain) pair concurrently, since
// partition only yields each entry to one goroutine per cycle.
func (p *Processor) dispatch(ctx context.Context, info *queue.DeliveryInfo, now time.Time) {
	info.Status = spool.InProgress
	defer func() {
		if info.Status == spool.InProgress {
			// Never leave an entry InProgress on an unclassified early
			// return; treat it as transient rather than abandoning it.
			info.Status = spool.Retry
			info.NextRetryAt = now.Add(p.cfg.BaseDelay)
		}
	}()

	breaker := p.breakers.Get(info.Domain)
	if !breaker.Allow() {
		info.Status = spool.Retry
		info.NextRetryAt = breaker.Stats().OpenUntil
		info.LastError = "circuit open"
		p.persist(info, info.LastError, now)
		return
	}

	decision := p.limiter.Acquire(info.Domain)
	if !decision.Allowed {
		info.Status = spool.Retry
		info.NextRetryAt = now.Add(decision.RetryAfter)
		info.LastError = "rate limited"
		p.persist(info, info.LastError, now)
		return
	}

	msgCtx, err := p.backend.Read(info.MessageID)
	if err != nil {
		info.Status = spool.Retry
		info.LastError = "spool read failed: " + err.Error()
		info.NextRetryAt = now.Add(p.cfg.BaseDelay)
		p.persist(info, info.LastError, now)
		return
	}

	policy := p.policy.Policy(info.Domain)

	if p.bus != nil {
		p.bus.Emit(module.DeliveryAttempt, deliveryEventContext(info, now))
	}

	result, err := p.resolver.Resolve(ctx, info.Domain, &dnscache.DomainConfig{MXOverride: policy.MXOverride})
	if p.bus != nil {
		p.bus.Emit(module.DnsLookup, deliveryEventContext(info, now))
	}
	if err != nil || len(result.Servers) == 0 {
		p.breakerAndEmit(breaker, false, info, now)
		p.categoriseFailure(info, mtaerr.Classify(err), err, now)
		return
	}

	if info.ServerIndex >= len(result.Servers) {
		info.ServerIndex = 0
	}
	server := result.Servers[info.ServerIndex]

	recipients := recipientsOn(msgCtx, info.Domain)
	txResult, err := p.tx.Deliver(ctx, server, policy.TLS, msgCtx.Envelope.SenderString(), recipients, msgCtx.Data)
	if err != nil {
		p.breakerAndEmit(breaker, false, info, now)
		p.categoriseFailure(info, mtaerr.Classify(err), err, now)
		return
	}

	p.categoriseRecipients(info, txResult, breaker, server, now)
}

func (p *Processor) breakerAndEmit(breaker *ratelimit.Breaker, success bool, info *queue.DeliveryInfo, now time.Time) {
	breaker.RecordResult(success)
	if p.bus != nil {
		event := module.DeliveryFailure
		if success {
			event = module.DeliverySuccess
		}
		p.bus.Emit(event, deliveryEventContext(info, now))
	}
}

func deliveryEventContext(info *queue.DeliveryInfo, now time.Time) *module.Context {
	c := &module.Context{ID: info.MessageID.String()}
	c.MetaSet("domain", info.Domain)
	return c
}

// categoriseRecipients handles a transaction that completed the
// protocol exchange: every recipient outcome is independent (spec
// §4.J/§4.K), so the domain as a whole succeeds only if every
// recipient it was attempted for succeeded.
func (p *Processor) categoriseRecipients(info *queue.DeliveryInfo, result courier.Result, breaker *ratelimit.Breaker, server dnscache.MailServer, now time.Time) {
	allSucceeded := len(result.Recipients) > 0
	var lastErr error
	for _, r := range result.Recipients {
		if r.Err != nil {
			allSucceeded = false
			lastErr = r.Err
		}
	}

	if allSucceeded {
		p.breakerAndEmit(breaker, true, info, now)
		info.Status = spool.Completed
		p.recordAttempt(info, server, spool.OutcomeSuccess, "delivered", now)
		maillog.SendAttempt(info.MessageID.String(), "", info.Domain, nil, false)
		p.finishCompleted(info, now)
		return
	}

	p.breakerAndEmit(breaker, false, info, now)
	p.categoriseFailure(info, mtaerr.Classify(lastErr), lastErr, now)
}

// categoriseFailure implements spec §4.K step 5's TempFail/PermFail
// branch.
func (p *Processor) categoriseFailure(info *queue.DeliveryInfo, cat mtaerr.Category, cause error, now time.Time) {
	detail := "delivery failed"
	if cause != nil {
		detail = cause.Error()
	}

	if cat == mtaerr.Permanent {
		p.recordAttempt(info, dnscache.MailServer{}, spool.OutcomePermFail, detail, now)
		maillog.SendAttempt(info.MessageID.String(), "", info.Domain, cause, true)
		p.failPermanently(info, now)
		return
	}

	p.recordAttempt(info, dnscache.MailServer{}, spool.OutcomeTempFail, detail, now)
	maillog.SendAttempt(info.MessageID.String(), "", info.Domain, cause, false)

	if info.Attempts >= p.cfg.MaxAttempts || now.Sub(info.QueuedAt) > p.cfg.MessageExpiration {
		maillog.QueueLoop(info.MessageID.String(), "", 0)
		p.failPermanently(info, now)
		return
	}

	if servers := p.cachedServerCount(info.Domain); info.ServerIndex+1 < servers {
		info.ServerIndex++
		info.Status = spool.Pending
		p.persist(info, detail, now)
		return
	}

	info.ServerIndex = 0
	info.NextRetryAt = nextRetryTime(info.Attempts, p.cfg, now)
	info.Status = spool.Retry
	maillog.QueueLoop(info.MessageID.String(), "", time.Until(info.NextRetryAt))
	p.persist(info, detail, now)
}

// cachedServerCount reports how many mail servers dnscache currently
// has cached for domain, used only to decide whether a fallback to the
// next server (tried on the next cycle) is available without a fresh
// DNS query.
func (p *Processor) cachedServerCount(domain string) int {
	return len(p.resolver.List()[domain])
}

func (p *Processor) failPermanently(info *queue.DeliveryInfo, now time.Time) {
	info.Status = spool.Failed
	p.persist(info, info.LastError, now)
	p.synthesizeAndSpoolDSN(info, now)
	p.deleteSpooled(info, now)
}

func (p *Processor) finishCompleted(info *queue.DeliveryInfo, now time.Time) {
	p.persist(info, "", now)
	p.deleteSpooled(info, now)
}

// deleteSpooled drops the (message, domain) entry, and once every
// domain for that message is terminal, deletes the spool entry
// entirely. Deletion failures are routed to the cleanup queue for
// retried deletion (spec §4.K step 5 / §4.L).
func (p *Processor) deleteSpooled(info *queue.DeliveryInfo, now time.Time) {
	p.queue.Remove(info.MessageID, info.Domain)

	if anyDomainPending(p.queue, info.MessageID) {
		return
	}

	if err := p.backend.Delete(info.MessageID); err != nil {
		if p.cleanupQ != nil {
			p.cleanupQ.AddFailedDeletion(info.MessageID, now)
		} else {
			log.Errorf("delivery: failed to delete spooled message %s: %v", info.MessageID, err)
		}
	}
}

func anyDomainPending(q *queue.Queue, id spool.ID) bool {
	for _, info := range q.Snapshot() {
		if info.MessageID != id {
			continue
		}
		switch info.Status {
		case spool.Completed, spool.Failed, spool.Expired:
			continue
		default:
			return true
		}
	}
	return false
}

func (p *Processor) recordAttempt(info *queue.DeliveryInfo, server dnscache.MailServer, outcome spool.AttemptOutcome, detail string, now time.Time) {
	ctx, err := p.backend.Read(info.MessageID)
	if err != nil {
		return
	}
	if ctx.Deliveries == nil {
		ctx.Deliveries = map[string]*spool.DeliveryContext{}
	}
	d, ok := ctx.Deliveries[info.Domain]
	if !ok {
		d = &spool.DeliveryContext{Domain: info.Domain, QueuedAt: info.QueuedAt}
		ctx.Deliveries[info.Domain] = d
	}
	d.Status = info.Status
	d.ServerIndex = info.ServerIndex
	d.NextRetryAt = info.NextRetryAt
	d.RecordAttempt(spool.Attempt{
		Timestamp: now,
		Server:    server.Host,
		Outcome:   outcome,
		Detail:    detail,
	})
	_ = p.backend.Update(info.MessageID, ctx)
	info.Attempts = d.Attempts()
}

func (p *Processor) persist(info *queue.DeliveryInfo, lastError string, now time.Time) {
	ctx, err := p.backend.Read(info.MessageID)
	if err != nil {
		return
	}
	if ctx.Deliveries == nil {
		ctx.Deliveries = map[string]*spool.DeliveryContext{}
	}
	d, ok := ctx.Deliveries[info.Domain]
	if !ok {
		d = &spool.DeliveryContext{Domain: info.Domain, QueuedAt: info.QueuedAt}
		ctx.Deliveries[info.Domain] = d
	}
	d.Status = info.Status
	d.ServerIndex = info.ServerIndex
	d.NextRetryAt = info.NextRetryAt
	if lastError != "" {
		d.LastError = lastError
	}
	info.LastError = d.LastError
	_ = p.backend.Update(info.MessageID, ctx)
}

// synthesizeAndSpoolDSN builds a bounce for info's domain and spools it
// addressed to the original sender, letting the queue pick it up as an
// ordinary message on the next ScanSpool/Put (spec §4.K step 5).
func (p *Processor) synthesizeAndSpoolDSN(info *queue.DeliveryInfo, now time.Time) {
	ctx, err := p.backend.Read(info.MessageID)
	if err != nil {
		return
	}
	d := ctx.Deliveries[info.Domain]
	if d == nil {
		d = &spool.DeliveryContext{Domain: info.Domain}
	}

	data, err := queue.SynthesizeDSN(p.cfg.OurDomain, ctx, info.Domain, d, info.MessageID, now)
	if err != nil {
		// A null-sender message, or one with no sender yet, is never
		// bounced; nothing to spool.
		return
	}

	dsnCtx := &spool.Context{
		Envelope:   bounceEnvelope(*ctx.Envelope.Sender),
		Data:       data,
		HeloID:     ctx.HeloID,
		ReceivedAt: now,
	}
	newID, err := p.backend.Write(dsnCtx)
	if err != nil {
		log.Errorf("delivery: failed to spool DSN for %s/%s: %v", info.MessageID, info.Domain, err)
		return
	}
	p.queue.Put(&queue.DeliveryInfo{
		MessageID: newID,
		Domain:    ctx.Envelope.Sender.Domain,
		Status:    spool.Pending,
		QueuedAt:  now,
	})
}

// bounceEnvelope builds the null-sender, single-recipient envelope a
// DSN travels in: the null reverse-path -> the original sender.
func bounceEnvelope(to address.Address) address.Envelope {
	var env address.Envelope
	env.SetSender(nil, nil) // null reverse-path, per RFC 3464 §3.
	env.AddRecipient(to, nil)
	return env
}

func recipientsOn(ctx *spool.Context, domain string) []string {
	var out []string
	for _, r := range ctx.Envelope.Recipients {
		if r.Domain == domain {
			out = append(out, r.String())
		}
	}
	return out
}

// nextRetryTime ports original_source/empath-delivery/src/queue/
// retry.rs's calculate_next_retry_time: delay = min(base *
// 2^(attempts-1), max) * (1 ± jitter), with the exponent saturating at
// 63 to avoid overflow.
func nextRetryTime(attempts int, cfg Config, now time.Time) time.Time {
	exponent := attempts - 1
	if exponent < 0 {
		exponent = 0
	}

	var delay time.Duration
	if exponent >= 63 {
		delay = cfg.MaxDelay
	} else {
		multiplier := int64(1) << uint(exponent)
		scaled := int64(cfg.BaseDelay) * multiplier
		if multiplier != 0 && scaled/multiplier != int64(cfg.BaseDelay) {
			scaled = int64(cfg.MaxDelay) // overflow: saturate
		}
		delay = time.Duration(scaled)
		if delay > cfg.MaxDelay || delay <= 0 {
			delay = cfg.MaxDelay
		}
	}

	jitterRange := float64(delay) * cfg.JitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange
	jittered := float64(delay) + jitter
	if jittered < 0 {
		jittered = 0
	}

	return now.Add(time.Duration(jittered))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
