package backup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// Alert statuses reported after every backup attempt.
const (
	AlertSuccess   = "success"
	AlertNoChanges = "no-changes"
	AlertFail      = "fail"
)

// Alerter is told the outcome of every backup run.
type Alerter interface {
	Notify(ctx context.Context, kind, status string)
}

// NopAlerter drops every notification.
type NopAlerter struct{}

func (NopAlerter) Notify(context.Context, string, string) {}

// PingAlerter reports outcomes healthchecks-style: a GET of the check URL with
// ?status=success|no-changes|fail. Ping failures are logged, never returned.
type PingAlerter struct {
	url    string
	client *http.Client
	retry  retry.Config
	logger zerolog.Logger
}

// NewPingAlerter pings checkURL. An empty URL yields a NopAlerter.
func NewPingAlerter(checkURL string, logger zerolog.Logger) (Alerter, error) {
	if checkURL == "" {
		return NopAlerter{}, nil
	}
	if _, err := url.ParseRequestURI(checkURL); err != nil {
		return nil, errors.Configf("backup.alert_url", "invalid URL: %v", err)
	}
	return &PingAlerter{
		url:    checkURL,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry.Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second},
		logger: logger.With().Str("component", "alert").Logger(),
	}, nil
}

func (a *PingAlerter) Notify(ctx context.Context, kind, status string) {
	u, err := url.Parse(a.url)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Invalid alert URL")
		return
	}
	q := u.Query()
	q.Set("status", status)
	u.RawQuery = q.Encode()

	err = retry.Do(ctx, a.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("ping returned %s", resp.Status)
		}
		return nil
	}, nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("kind", kind).Str("status", status).Msg("Backup alert ping failed")
		return
	}
	a.logger.Debug().Str("kind", kind).Str("status", status).Msg("Backup alert sent")
}
