package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// Validate checks every option and reports all problems at once as
// errors.ConfigErrors.
func (c *Config) Validate() error {
	var errs errors.ConfigErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, &errors.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Cluster == "" {
		add("cluster", "must be set")
	}

	if err := c.Certificates.Policy().Validate(); err != nil {
		var ce *errors.ConfigError
		if errors.As(err, &ce) {
			errs = append(errs, &errors.ConfigError{Field: "certificates." + ce.Field, Reason: ce.Reason})
		}
	}
	if t := c.Certificates.RenewalThreshold; t <= 0 || t >= 1 {
		add("certificates.renewal_threshold", "must be in (0, 1), got %v", t)
	}
	if _, err := ParseTimeOfDay(c.Certificates.RenewalTimeOfDay); err != nil {
		add("certificates.renewal_time_of_day", "%v", err)
	}
	if c.Certificates.RenewalJitter < 0 || c.Certificates.RenewalJitter >= 12*time.Hour {
		add("certificates.renewal_jitter", "must be in [0, 12h)")
	}
	if len(c.Certificates.Classes) == 0 {
		add("certificates.classes", "at least one class is required")
	}
	for _, class := range c.Certificates.Classes {
		if !pki.Class(class).Valid() {
			add("certificates.classes", "unknown class %q", class)
		}
	}

	if !c.Retry.Valid() {
		add("retry", "max_retries and initial_backoff must be positive and jitter within [0, 1]")
	}
	if c.Health.PollRetries < 1 || c.Health.PollBackoff <= 0 {
		add("health", "poll_retries and poll_backoff must be positive")
	}

	seen := make(map[string]bool, len(c.Nodes))
	primaries := 0
	for i, n := range c.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.Name == "" {
			add(field+".name", "must be set")
			continue
		}
		if seen[n.Name] {
			add(field+".name", "duplicate node %q", n.Name)
		}
		seen[n.Name] = true
		switch pki.CARole(n.CARole) {
		case "", pki.CARoleNone, pki.CARoleBackup:
		case pki.CARolePrimary:
			primaries++
		default:
			add(field+".ca_role", "unknown role %q", n.CARole)
		}
	}
	if primaries > 1 {
		add("nodes", "at most one primary CA holder, found %d", primaries)
	}

	switch c.Lease.Backend {
	case "memory":
	case "redis":
		if c.Lease.RedisAddr == "" {
			add("lease.redis_addr", "required for the redis backend")
		}
	default:
		add("lease.backend", "unknown backend %q", c.Lease.Backend)
	}
	if c.Lease.TTL <= 0 {
		add("lease.ttl", "must be positive")
	}

	c.validateBackup(add)

	return errs.OrNil()
}

func (c *Config) validateBackup(add func(field, format string, args ...any)) {
	b := c.Backup
	switch b.Encryption {
	case constants.EncryptionNone:
	case constants.EncryptionPassword:
		if b.PasswordFile == "" {
			add("backup.password_file", "required for %s encryption", b.Encryption)
		}
	case constants.EncryptionEnvelope:
		if b.KMSKeyID == "" {
			add("backup.kms_key_id", "required for %s encryption", b.Encryption)
		}
	default:
		add("backup.encryption", "unknown method %q", b.Encryption)
	}

	switch b.Store {
	case "fs":
		if b.Dir == "" {
			add("backup.dir", "required for the fs store")
		}
	case "s3":
		if b.Bucket == "" {
			add("backup.bucket", "required for the s3 store")
		}
	default:
		add("backup.store", "unknown store %q", b.Store)
	}

	if b.CACheckInterval <= 0 || b.SnapshotInterval <= 0 {
		add("backup", "ca_check_interval and snapshot_interval must be positive")
	}
	if b.RetentionDays < 0 {
		add("backup.retention_days", "must not be negative")
	}
	if b.AlertURL != "" {
		if u, err := url.Parse(b.AlertURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("backup.alert_url", "invalid URL %q", b.AlertURL)
		}
	}
}

// ParseTimeOfDay parses "HH:MM" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
