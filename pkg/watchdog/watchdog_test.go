package watchdog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nat64check/zaphod/pkg/config"
	"github.com/nat64check/zaphod/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})

	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	return st
}

func setupWatchdog(t *testing.T, st store.Store) *Watchdog {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	w := NewWatchdog(log, st, time.Minute)
	w.scheme = "http"

	return w
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	return u.Host
}

func TestCheckAll_MarksHealthyTrillianAlive(t *testing.T) {
	st := setupTestStore(t)

	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/v1/info/", r.URL.Path)
			gotAuth = r.Header.Get("Authorization")

			_ = json.NewEncoder(w).Encode(map[string]string{
				"version": "2.1.0",
			})
		},
	))
	defer srv.Close()

	ctx := context.Background()

	trillian := &store.Trillian{
		Name:     "healthy-node",
		Hostname: hostOf(t, srv.URL),
		Token:    "node-token",
	}
	require.NoError(t, st.CreateTrillian(ctx, trillian))

	w := setupWatchdog(t, st)
	w.CheckAll(ctx)

	assert.Equal(t, "Token node-token", gotAuth)

	saved, err := st.GetTrillian(ctx, trillian.ID)
	require.NoError(t, err)
	assert.True(t, saved.IsAlive)
	assert.Equal(t, "2.1.0", saved.Version)
	require.NotNil(t, saved.LastSeen)
	assert.WithinDuration(t, time.Now().UTC(), *saved.LastSeen, time.Minute)
}

func TestCheckAll_MarksFailingTrillianDead(t *testing.T) {
	st := setupTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	))
	defer srv.Close()

	ctx := context.Background()

	lastSeen := time.Now().UTC().Add(-time.Hour)
	trillian := &store.Trillian{
		Name:     "failing-node",
		Hostname: hostOf(t, srv.URL),
		Token:    "node-token",
		IsAlive:  true,
		LastSeen: &lastSeen,
	}
	require.NoError(t, st.CreateTrillian(ctx, trillian))

	w := setupWatchdog(t, st)
	w.CheckAll(ctx)

	saved, err := st.GetTrillian(ctx, trillian.ID)
	require.NoError(t, err)
	assert.False(t, saved.IsAlive)

	// The last successful contact is kept for diagnostics.
	require.NotNil(t, saved.LastSeen)
	assert.True(t, saved.LastSeen.Equal(lastSeen))
}

func TestCheckAll_TokenlessTrillianIsDead(t *testing.T) {
	st := setupTestStore(t)

	ctx := context.Background()

	trillian := &store.Trillian{
		Name:     "tokenless-node",
		Hostname: "unreachable.example.net",
		IsAlive:  true,
	}
	require.NoError(t, st.CreateTrillian(ctx, trillian))

	w := setupWatchdog(t, st)
	w.CheckAll(ctx)

	saved, err := st.GetTrillian(ctx, trillian.ID)
	require.NoError(t, err)
	assert.False(t, saved.IsAlive)
}

func TestStartStop(t *testing.T) {
	st := setupTestStore(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	w := NewWatchdog(log, st, 10*time.Millisecond)
	w.scheme = "http"

	require.NoError(t, w.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
