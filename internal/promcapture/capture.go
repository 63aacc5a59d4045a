// Package promcapture snapshots a Prometheus TSDB through the admin API so
// the metrics of a run window can be inspected after the fact.
package promcapture

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/config"
)

// Config locates the Prometheus server.
type Config struct {
	URL                string
	Token              string // Bearer token; empty sends none
	InsecureSkipVerify bool
}

// Capturer takes TSDB snapshots.
type Capturer struct {
	api v1.API
}

// New creates a capturer for cfg.URL.
func New(cfg Config) (*Capturer, error) {
	if cfg.URL == "" {
		return nil, errors.New("prometheus URL is required")
	}

	tlsConfig, err := config.NewTLSConfig(&config.TLSConfig{InsecureSkipVerify: cfg.InsecureSkipVerify})
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	var rt http.RoundTripper = transport
	if cfg.Token != "" {
		rt = config.NewAuthorizationCredentialsRoundTripper("Bearer", config.NewInlineSecret(cfg.Token), rt)
	}

	client, err := api.NewClient(api.Config{Address: cfg.URL, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &Capturer{api: v1.NewAPI(client)}, nil
}

// Snapshot creates a snapshot including the head block and returns its name.
func (c *Capturer) Snapshot(ctx context.Context) (string, error) {
	res, err := c.api.Snapshot(ctx, false)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot prometheus: %w", err)
	}
	return res.Name, nil
}

// Ready checks the server answers API calls.
func (c *Capturer) Ready(ctx context.Context) error {
	_, err := c.api.Buildinfo(ctx)
	return err
}
