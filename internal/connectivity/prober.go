package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tildaslashalef/venuesync/internal/loggy"
)

// Prober stands in for a platform network-state signal by polling a health
// endpoint and feeding the result into a Monitor.
type Prober struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	monitor  *Monitor
	logger   *loggy.Logger
}

// NewProber creates a prober for url
func NewProber(url string, interval, timeout time.Duration, monitor *Monitor, logger *loggy.Logger) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{},
		monitor:  monitor,
		logger:   logger.Component("prober"),
	}
}

// Run probes immediately and then on every interval until ctx is done
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.monitor.Set(p.Probe(ctx) == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs one health check. Any response below 500 counts as reachable.
func (p *Prober) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Probe failed", "url", p.url, "error", err)
		return fmt.Errorf("probing %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probing %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}
