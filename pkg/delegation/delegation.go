// Package delegation implements the tasks that hand instance runs to
// remote Trillian nodes and remove the remote resources once the runs
// have been analysed.
package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nat64check/zaphod/pkg/config"
	"github.com/nat64check/zaphod/pkg/queue"
	"github.com/nat64check/zaphod/pkg/retry"
	"github.com/nat64check/zaphod/pkg/store"
)

// Task names.
const (
	TaskDelegate = "delegate_to_trillian"
	TaskCleanup  = "remove_from_trillian"
)

// Trillians can be slow or briefly unreachable, so the retry budget is
// wide and the backoff long.
func Options() queue.Options {
	return queue.Options{
		RetryCount:   5,
		RetryBackoff: 300 * time.Second,
	}
}

// Tasks bundles the Trillian delegation and cleanup task handlers.
type Tasks struct {
	log    logrus.FieldLogger
	st     store.Store
	cfg    *config.Config
	client *http.Client

	// scheme is https in production; tests lower it to reach local
	// servers.
	scheme string
}

// NewTasks creates the delegation task handlers.
func NewTasks(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.Config,
) *Tasks {
	return &Tasks{
		log: log.WithField("component", "delegation"),
		st:  st,
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		scheme: "https",
	}
}

// Register binds the delegation tasks to the scheduler.
func (t *Tasks) Register(s queue.Scheduler) {
	s.Register(TaskDelegate, t.Delegate)
	s.Register(TaskCleanup, t.Cleanup)
}

// delegateRequest is the body posted to a Trillian to request a run.
type delegateRequest struct {
	URL         string    `json:"url"`
	CallbackURL string    `json:"callback_url"`
	Requested   time.Time `json:"requested"`
}

// delegateResponse carries the URL of the created remote resource.
type delegateResponse struct {
	URL string `json:"_url"`
}

// Delegate posts an instance run to its Trillian and records the URL
// of the remote resource. Instance runs that already carry a remote
// URL are left alone, so redelivery is harmless.
func (t *Tasks) Delegate(ctx context.Context, instanceRunID uint) error {
	log := t.log.WithField("instancerun", instanceRunID)

	run, err := retryGet(ctx, func() (*store.InstanceRun, error) {
		return t.st.GetInstanceRun(ctx, instanceRunID)
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Instance run vanished before delegation")

		return nil
	}

	if err != nil {
		return err
	}

	if run.TrillianURL != "" {
		log.Debug("Instance run already delegated")

		return nil
	}

	trillian, err := t.st.GetTrillian(ctx, run.TrillianID)
	if err != nil {
		return fmt.Errorf("getting trillian: %w", err)
	}

	testRun, err := t.st.GetTestRun(ctx, run.TestRunID)
	if err != nil {
		return fmt.Errorf("getting test run: %w", err)
	}

	body, err := json.Marshal(delegateRequest{
		URL:         testRun.URL,
		CallbackURL: t.cfg.CallbackURL(run.ID),
		Requested:   testRun.Requested,
	})
	if err != nil {
		return fmt.Errorf("encoding delegation request: %w", err)
	}

	endpoint := fmt.Sprintf(
		"%s://%s/api/v1/instanceruns/", t.scheme, trillian.Hostname,
	)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building delegation request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+trillian.Token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to trillian %s: %w", trillian.Name, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf(
			"trillian %s rejected delegation: status %d",
			trillian.Name, resp.StatusCode,
		)
	}

	var created delegateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("decoding trillian response: %w", err)
	}

	if created.URL == "" {
		return fmt.Errorf(
			"trillian %s returned no resource URL", trillian.Name,
		)
	}

	if err := t.saveTrillianURL(ctx, run.ID, created.URL); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"trillian": trillian.Name,
		"url":      created.URL,
	}).Info("Instance run delegated")

	return nil
}

// Cleanup deletes the remote resource of an analysed instance run. A
// remote 404 counts as success: the resource is gone either way.
func (t *Tasks) Cleanup(ctx context.Context, instanceRunID uint) error {
	log := t.log.WithField("instancerun", instanceRunID)

	run, err := retryGet(ctx, func() (*store.InstanceRun, error) {
		return t.st.GetInstanceRun(ctx, instanceRunID)
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Instance run vanished before cleanup")

		return nil
	}

	if err != nil {
		return err
	}

	if run.Analysed == nil {
		log.Warn("Refusing to clean up an unanalysed instance run")

		return nil
	}

	if run.TrillianURL == "" {
		log.Debug("No remote resource to clean up")

		return nil
	}

	trillian, err := t.st.GetTrillian(ctx, run.TrillianID)
	if err != nil {
		return fmt.Errorf("getting trillian: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, run.TrillianURL, nil,
	)
	if err != nil {
		return fmt.Errorf("building cleanup request: %w", err)
	}

	req.Header.Set("Authorization", "Token "+trillian.Token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting from trillian %s: %w", trillian.Name, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf(
			"trillian %s rejected cleanup: status %d",
			trillian.Name, resp.StatusCode,
		)
	}

	if err := t.saveTrillianURL(ctx, run.ID, ""); err != nil {
		return err
	}

	log.WithField("trillian", trillian.Name).
		Info("Remote instance run removed")

	return nil
}

// saveTrillianURL updates only the remote URL of an instance run,
// under a row lock. Callbacks can land while the HTTP exchange with
// the Trillian is in flight, so a whole-row save of the copy read
// before the exchange would clobber them.
func (t *Tasks) saveTrillianURL(
	ctx context.Context, instanceRunID uint, url string,
) error {
	return t.st.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.GetInstanceRunForUpdate(ctx, instanceRunID)
		if errors.Is(err, store.ErrNotFound) {
			t.log.WithField("instancerun", instanceRunID).
				Warn("Instance run vanished before saving remote URL")

			return nil
		}

		if err != nil {
			return err
		}

		run.TrillianURL = url

		return tx.SaveInstanceRun(ctx, run)
	})
}

// retryGet fetches a row with a short backoff ladder to ride out the
// gap between a row's creation and its transaction becoming visible.
func retryGet[T any](ctx context.Context, fetch func() (T, error)) (T, error) {
	return retry.Get(ctx, fetch, func(err error) bool {
		return errors.Is(err, store.ErrNotFound)
	})
}
