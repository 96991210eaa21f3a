package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/courier"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "empath.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `hostname = "mx.example"`)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Hostname != "mx.example" {
		t.Errorf("Hostname = %q, want mx.example", c.Hostname)
	}
	if c.Delivery.MaxAttempts != defaultConfig.Delivery.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", c.Delivery.MaxAttempts, defaultConfig.Delivery.MaxAttempts)
	}
	if c.ControlSocket != "/tmp/empath.sock" {
		t.Errorf("ControlSocket = %q, want default", c.ControlSocket)
	}
}

func TestLoadHostnameFallsBackToOS(t *testing.T) {
	path := writeConfig(t, `smtp.banner = "hi"`)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := os.Hostname()
	if c.Hostname != want {
		t.Errorf("Hostname = %q, want OS hostname %q", c.Hostname, want)
	}
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, `
hostname = "mx.example"
modules = ["dkim", "spf"]
control_socket = "/run/empath.sock"

[smtp]
smtp_address = ["0.0.0.0:25"]
submission_address = ["0.0.0.0:587"]
banner = "empath ready"
max_message_size_mb = 25
require_tls = true

[spool]
path = "/var/spool/empath"
capacity = 5000

[delivery]
max_concurrent_deliveries = 10
max_attempts = 5
message_expiration = "72h"
base_delay = "30s"
max_delay = "6h"
jitter_factor = 0.2

[delivery.rate_limit]
capacity = 50
refill_per_second = 5

[delivery.circuit_breaker]
failure_threshold = 3
base_timeout = "10s"
max_timeout = "10m"

[delivery.domains."example.com"]
tls = "required"

[delivery.domains."*.example.net"]
tls = "plain_only"
mx_override = "relay.example.net"

[control_auth]
token_hashes = ["abc123"]
`)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := c.SMTP.SMTPAddress, []string{"0.0.0.0:25"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("SMTPAddress = %v, want %v", got, want)
	}
	if !c.SMTP.RequireTLS {
		t.Errorf("RequireTLS should be true")
	}
	if c.Spool.Capacity != 5000 {
		t.Errorf("Spool.Capacity = %d, want 5000", c.Spool.Capacity)
	}
	if c.Delivery.MessageExpiration != 72*time.Hour {
		t.Errorf("MessageExpiration = %v, want 72h", c.Delivery.MessageExpiration)
	}
	if c.Delivery.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", c.Delivery.CircuitBreaker.FailureThreshold)
	}
	if c.ControlAuth == nil || len(c.ControlAuth.TokenHashes) != 1 {
		t.Fatalf("ControlAuth not parsed: %+v", c.ControlAuth)
	}

	exact := c.Delivery.Policy("example.com")
	if exact.TLS.Policy() != courier.Required {
		t.Errorf("example.com policy = %v, want Required", exact.TLS)
	}

	wildcard := c.Delivery.Policy("mail.example.net")
	if wildcard.TLS.Policy() != courier.PlainOnly || wildcard.MXOverride != "relay.example.net" {
		t.Errorf("mail.example.net policy = %+v, want wildcard match", wildcard)
	}

	fallback := c.Delivery.Policy("unrelated.test")
	if fallback.TLS.Policy() != courier.Opportunistic {
		t.Errorf("unrelated.test policy = %v, want Opportunistic default", fallback.TLS)
	}
}

func TestLoadOverrideLayersOnTopOfFile(t *testing.T) {
	path := writeConfig(t, `
hostname = "mx.example"
[delivery]
max_attempts = 5
`)

	c, err := Load(path, `[delivery]
max_attempts = 2`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Delivery.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want override value 2", c.Delivery.MaxAttempts)
	}
}

func TestLoadRejectsNonPositiveExpiration(t *testing.T) {
	path := writeConfig(t, `
[delivery]
message_expiration = "0s"
`)

	if _, err := Load(path, ""); err == nil {
		t.Fatalf("Load should reject a zero message_expiration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), ""); err == nil {
		t.Fatalf("Load should fail for a missing file")
	}
}
