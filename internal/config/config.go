// Package config implements empath's configuration document, spec.md
// §6: a single deserialised TOML file with sections for smtp, modules,
// spool, delivery (including per-domain overrides), control_socket,
// and optional control_auth.
//
// Grounded on chasquid's own internal/config/config.go Load/override/
// defaultConfig/LogConfig structure (defaults-then-override layering,
// hostname auto-detection, a duration field validated once at load
// time), rebuilt around github.com/pelletier/go-toml/v2 (an
// infodancer-smtpd/foxcpp-maddy dependency) instead of prototext, per
// spec §6's explicit TOML requirement — chasquid's own Config is a
// generated protobuf message, which this package has no analogue for
// since spec.md defines its own document shape.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/courier"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
)

// SMTP is the `[smtp]` section: listeners, banner, TLS, SIZE, timeouts.
type SMTP struct {
	SMTPAddress       []string `toml:"smtp_address"`
	SubmissionAddress []string `toml:"submission_address"`
	Banner            string   `toml:"banner"`
	MaxMessageSizeMB  int      `toml:"max_message_size_mb"`
	TLSCertPath       string   `toml:"tls_cert_path"`
	TLSKeyPath        string   `toml:"tls_key_path"`
	RequireTLS        bool     `toml:"require_tls"`
}

// Spool is the `[spool]` section, a tagged choice between the File and
// Memory backends spec §4.F names.
type Spool struct {
	Path     string `toml:"path"`
	Memory   bool   `toml:"memory"`
	Capacity int    `toml:"capacity"`
}

// RateLimit is one domain's (or the global default's) token bucket
// tuning, spec §4.I.
type RateLimit struct {
	Capacity        int     `toml:"capacity"`
	RefillPerSecond float64 `toml:"refill_per_second"`
}

// CircuitBreaker is one domain's (or the global default's) breaker
// tuning, spec §4.I.
type CircuitBreaker struct {
	FailureThreshold int           `toml:"failure_threshold"`
	BaseTimeout      time.Duration `toml:"base_timeout"`
	MaxTimeout       time.Duration `toml:"max_timeout"`
}

// TLSPolicyName is the TOML spelling of courier.TLSPolicy.
type TLSPolicyName string

const (
	TLSOpportunistic TLSPolicyName = "opportunistic"
	TLSRequired      TLSPolicyName = "required"
	TLSPlainOnly     TLSPolicyName = "plain_only"
)

// Policy converts a TOML policy name to courier.TLSPolicy, defaulting
// to Opportunistic for an empty or unrecognised value.
func (n TLSPolicyName) Policy() courier.TLSPolicy {
	switch n {
	case TLSRequired:
		return courier.Required
	case TLSPlainOnly:
		return courier.PlainOnly
	default:
		return courier.Opportunistic
	}
}

// DomainConfig is spec §3's DomainConfig: `{mx_override, tls,
// rate_limit, circuit_breaker}`, every field optional. Delivery.Policy
// returns a matched entry as written; unset fields are not filled in
// from the delivery section's defaults.
type DomainConfig struct {
	MXOverride     string          `toml:"mx_override"`
	TLS            TLSPolicyName   `toml:"tls"`
	RateLimit      *RateLimit      `toml:"rate_limit"`
	CircuitBreaker *CircuitBreaker `toml:"circuit_breaker"`
}

// Delivery is the `[delivery]` section: retries, expiration,
// concurrency, rate-limit/circuit-breaker defaults, and per-domain
// overrides keyed by domain or `*.suffix` wildcard (spec §3's lookup
// fallback: exact match → wildcard prefix → global default).
type Delivery struct {
	MaxConcurrentDeliveries int                      `toml:"max_concurrent_deliveries"`
	MaxAttempts             int                      `toml:"max_attempts"`
	MessageExpiration       time.Duration            `toml:"message_expiration"`
	BaseDelay               time.Duration            `toml:"base_delay"`
	MaxDelay                time.Duration            `toml:"max_delay"`
	JitterFactor            float64                  `toml:"jitter_factor"`
	RateLimit               RateLimit                `toml:"rate_limit"`
	CircuitBreaker          CircuitBreaker           `toml:"circuit_breaker"`
	Domains                 map[string]DomainConfig  `toml:"domains"`
	MaxCleanupAttempts      int                      `toml:"max_cleanup_attempts"`
}

// ControlAuth is the optional `[control_auth]` section: a SHA-256
// bearer token hash set, spec §4.N/§12.
type ControlAuth struct {
	TokenHashes []string `toml:"token_hashes"`
}

// Config is the top-level deserialised document.
type Config struct {
	Hostname      string        `toml:"hostname"`
	SMTP          SMTP          `toml:"smtp"`
	Modules       []string      `toml:"modules"`
	Spool         Spool         `toml:"spool"`
	Delivery      Delivery      `toml:"delivery"`
	ControlSocket string        `toml:"control_socket"`
	ControlAuth   *ControlAuth  `toml:"control_auth"`
	MonitoringAddress string    `toml:"monitoring_address"`
}

var defaultConfig = Config{
	SMTP: SMTP{
		SMTPAddress:       []string{"systemd"},
		SubmissionAddress: []string{"systemd"},
		MaxMessageSizeMB:  50,
	},
	Spool: Spool{
		Path:     "/var/lib/empath/spool",
		Capacity: 1000,
	},
	Delivery: Delivery{
		MaxConcurrentDeliveries: 20,
		MaxAttempts:             8,
		MessageExpiration:       5 * 24 * time.Hour,
		BaseDelay:               1 * time.Minute,
		MaxDelay:                24 * time.Hour,
		JitterFactor:            0.1,
		RateLimit:               RateLimit{Capacity: 100, RefillPerSecond: 10},
		CircuitBreaker:          CircuitBreaker{FailureThreshold: 5, BaseTimeout: 30 * time.Second, MaxTimeout: 30 * time.Minute},
		MaxCleanupAttempts:      10,
	},
	ControlSocket: "/tmp/empath.sock",
}

// Load reads the TOML document at path and layers overrides (itself a
// TOML fragment, typically from a command-line flag) on top of the
// compiled-in defaults, mirroring chasquid's Load(path, overrides)
// two-stage layering.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %w", path, err)
	}
	if err := toml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if strings.TrimSpace(overrides) != "" {
		if err := toml.Unmarshal([]byte(overrides), &c); err != nil {
			return nil, fmt.Errorf("parsing override: %w", err)
		}
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
	}

	if c.Delivery.MessageExpiration <= 0 {
		return nil, fmt.Errorf("invalid delivery.message_expiration: must be positive")
	}

	return &c, nil
}

// Policy resolves domain's DomainConfig via spec §3's lookup fallback:
// exact match, then wildcard prefix (`*.suffix`), then a DomainConfig
// with only the opportunistic TLS policy set.
func (d *Delivery) Policy(domain string) DomainConfig {
	if dc, ok := d.Domains[domain]; ok {
		return dc
	}
	for suffix, dc := range d.Domains {
		if strings.HasPrefix(suffix, "*.") && strings.HasSuffix(domain, suffix[1:]) {
			return dc
		}
	}
	return DomainConfig{TLS: TLSOpportunistic}
}

// LogConfig logs the given configuration, in a human-friendly way,
// matching chasquid's own LogConfig call shape.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  SMTP addresses: %q", c.SMTP.SMTPAddress)
	log.Infof("  Submission addresses: %q", c.SMTP.SubmissionAddress)
	log.Infof("  Max message size (MB): %d", c.SMTP.MaxMessageSizeMB)
	log.Infof("  Modules: %q", c.Modules)
	log.Infof("  Spool: path=%q memory=%v capacity=%d", c.Spool.Path, c.Spool.Memory, c.Spool.Capacity)
	log.Infof("  Delivery: max_concurrent=%d max_attempts=%d expiration=%s",
		c.Delivery.MaxConcurrentDeliveries, c.Delivery.MaxAttempts, c.Delivery.MessageExpiration)
	log.Infof("  Control socket: %q (auth=%v)", c.ControlSocket, c.ControlAuth != nil)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
}
