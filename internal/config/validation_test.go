package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Cluster = "test"
	cfg.applyDerived()
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing cluster", func(c *Config) { c.Cluster = "" }, "cluster"},
		{"min above max", func(c *Config) { c.Certificates.MinLifetime = 3 * 365 * 24 * time.Hour }, "certificates.min_lifetime"},
		{"threshold out of range", func(c *Config) { c.Certificates.RenewalThreshold = 1.5 }, "certificates.renewal_threshold"},
		{"bad time of day", func(c *Config) { c.Certificates.RenewalTimeOfDay = "25:99" }, "certificates.renewal_time_of_day"},
		{"unknown class", func(c *Config) { c.Certificates.Classes = []string{"admin"} }, "certificates.classes"},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }, "retry"},
		{"redis without addr", func(c *Config) { c.Lease.Backend = "redis" }, "lease.redis_addr"},
		{"password without file", func(c *Config) { c.Backup.Encryption = "symmetric-password" }, "backup.password_file"},
		{"kms without key", func(c *Config) { c.Backup.Encryption = "envelope-key-service" }, "backup.kms_key_id"},
		{"s3 without bucket", func(c *Config) { c.Backup.Store = "s3" }, "backup.bucket"},
		{"bad alert url", func(c *Config) { c.Backup.AlertURL = "not a url" }, "backup.alert_url"},
		{"duplicate nodes", func(c *Config) { c.Nodes = []NodeConfig{{Name: "a"}, {Name: "a"}} }, "nodes[1].name"},
		{"two primaries", func(c *Config) {
			c.Nodes = []NodeConfig{{Name: "a", CARole: "primary"}, {Name: "b", CARole: "primary"}}
		}, "nodes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var all errors.ConfigErrors
			require.ErrorAs(t, err, &all)
			fields := make([]string, 0, len(all))
			for _, ce := range all {
				fields = append(fields, ce.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	d, err := ParseTimeOfDay("03:30")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour+30*time.Minute, d)

	_, err = ParseTimeOfDay("3pm")
	assert.Error(t, err)
}
