// Package watchdog periodically probes the registered Trillian nodes
// and keeps their liveness and version information current.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nat64check/zaphod/pkg/store"
)

// maxConcurrentProbes bounds how many Trillians are probed at once.
const maxConcurrentProbes = 5

// Watchdog runs the periodic Trillian health checks.
type Watchdog struct {
	log      logrus.FieldLogger
	st       store.Store
	interval time.Duration
	client   *http.Client

	// scheme is https in production; tests lower it to reach local
	// servers.
	scheme string

	done chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatchdog creates a Trillian health checker with the given probe
// interval.
func NewWatchdog(
	log logrus.FieldLogger,
	st store.Store,
	interval time.Duration,
) *Watchdog {
	return &Watchdog{
		log:      log.WithField("component", "watchdog"),
		st:       st,
		interval: interval,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		scheme: "https",
		done:   make(chan struct{}),
	}
}

// Start launches the periodic health check loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.startOnce.Do(func() {
		w.log.WithField("interval", w.interval.String()).
			Info("Starting trillian watchdog")

		w.wg.Add(1)

		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	})

	return nil
}

// Stop signals the loop to stop and waits for it.
func (w *Watchdog) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.wg.Wait()
	w.log.Info("Trillian watchdog stopped")

	return nil
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// First sweep right away so a fresh deployment does not wait a
	// full interval for liveness data.
	w.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			w.CheckAll(ctx)
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every registered Trillian in parallel.
func (w *Watchdog) CheckAll(ctx context.Context) {
	trillians, err := w.st.ListTrillians(ctx)
	if err != nil {
		w.log.WithError(err).Warn("Failed to list trillians")

		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for i := range trillians {
		trillian := trillians[i]

		g.Go(func() error {
			w.check(gctx, &trillian)

			return nil
		})
	}

	_ = g.Wait()
}

// infoResponse is the payload of a Trillian's info endpoint.
type infoResponse struct {
	Version string `json:"version"`
}

// check probes one Trillian and persists the outcome. Probe failures
// mark the node dead; they never propagate.
func (w *Watchdog) check(ctx context.Context, trillian *store.Trillian) {
	log := w.log.WithField("trillian", trillian.Name)

	info, err := w.probe(ctx, trillian)
	if err != nil {
		log.WithError(err).Warn("Trillian health check failed")

		if trillian.IsAlive {
			trillian.IsAlive = false

			if err := w.st.SaveTrillian(ctx, trillian); err != nil {
				log.WithError(err).Warn("Failed to save trillian state")
			}
		}

		return
	}

	now := time.Now().UTC()
	trillian.IsAlive = true
	trillian.LastSeen = &now
	trillian.Version = info.Version

	if err := w.st.SaveTrillian(ctx, trillian); err != nil {
		log.WithError(err).Warn("Failed to save trillian state")

		return
	}

	log.WithField("version", info.Version).Debug("Trillian alive")
}

func (w *Watchdog) probe(
	ctx context.Context, trillian *store.Trillian,
) (*infoResponse, error) {
	if trillian.Token == "" {
		return nil, fmt.Errorf("trillian %s has no token", trillian.Name)
	}

	endpoint := fmt.Sprintf(
		"%s://%s/api/v1/info/", w.scheme, trillian.Hostname,
	)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, endpoint, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building info request: %w", err)
	}

	req.Header.Set("Authorization", "Token "+trillian.Token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying info: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info returned status %d", resp.StatusCode)
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding info response: %w", err)
	}

	return &info, nil
}
