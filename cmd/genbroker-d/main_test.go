package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/credential/credentialtest"
	"github.com/rmax-ai/genbroker/pkg/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DBPath:        filepath.Join(t.TempDir(), "genbroker.db"),
		Addr:          "127.0.0.1:0",
		DailyQuota:    5,
		APIRate:       100,
		APIWindow:     time.Minute,
		SweepInterval: time.Minute,
		CacheTTL:      time.Hour,
		Grace:         2 * time.Second,
		Heartbeat:     30 * time.Second,
		LogFormat:     "json",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{LogLevel: slog.LevelWarn, LogFormat: "json"}
	logger := newLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	assert.Equal(t, "shown", line["msg"])

	buf.Reset()
	cfg.LogFormat = "text"
	newLogger(cfg, &buf).Warn("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestDaemon_ServesPool(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.AdminToken = "adm"
	cfg.ClientToken = "cli"

	d, err := newDaemon(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer d.close()

	srv := httptest.NewServer(d.server.Handler())
	defer srv.Close()

	secret := credentialtest.Token(t, "studio.example", "acct-1", time.Now().Add(time.Hour), nil)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/credentials", strings.NewReader(`{"secret":"`+secret+`"}`))
	req.Header.Set("Authorization", "Bearer adm")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/credentials/acquire", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/v1/credentials/acquire", nil)
	req.Header.Set("Authorization", "Bearer cli")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Written through to SQLite.
	creds, err := d.store.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, 5, creds[0].DailyQuota)
}

func TestDaemon_ReloadPicksUpStoreChanges(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d, err := newDaemon(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer d.close()
	require.Empty(t, d.pool.List())

	// Another process writes a row directly.
	other, err := store.NewStore(cfg.DBPath)
	require.NoError(t, err)
	secret := credentialtest.Token(t, "studio.example", "acct-9", time.Now().Add(time.Hour), nil)
	now := time.Now().UTC()
	require.NoError(t, other.UpsertCredential(ctx, credential.Credential{
		ID:         "c-9",
		Secret:     secret,
		Issuer:     "studio.example",
		Tier:       credential.TierFree,
		ExpiresAt:  now.Add(time.Hour),
		Health:     credential.HealthHealthy,
		DailyQuota: 5,
		Source:     credential.SourceMigrated,
		CreatedAt:  now,
		Version:    1,
	}))
	require.NoError(t, other.Close())

	require.NoError(t, d.reload(ctx))
	_, ok := d.pool.Get("c-9")
	assert.True(t, ok)
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExclusiveLeases = true

	ctx, cancel := context.WithCancel(context.Background())
	d, err := newDaemon(ctx, cfg, discardLogger())
	require.NoError(t, err)

	reload := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- d.run(ctx, reload) }()

	reload <- syscall.SIGHUP
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_WithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	cfg.ExclusiveLeases = true

	d, err := newDaemon(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer d.close()
	assert.Nil(t, d.apiLimiter, "redis should serve the api limiter")

	srv := httptest.NewServer(d.server.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/jobs/job-1/progress", "application/json", strings.NewReader(`{"status":"processing","progress":10}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.True(t, mr.Exists("genbroker:generation:last:job-1"), "last update should be cached in redis")
}

func TestDaemon_RedisQuotaFollowsCredential(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	d, err := newDaemon(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer d.close()

	srv := httptest.NewServer(d.server.Handler())
	defer srv.Close()

	secret := credentialtest.Token(t, "studio.example", "acct-1", time.Now().Add(time.Hour), nil)
	resp, err := http.Post(srv.URL+"/v1/credentials", "application/json", strings.NewReader(`{"secret":"`+secret+`","dailyQuota":8}`))
	require.NoError(t, err)
	var info struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// More than the pool default of 5, up to the credential's own 8.
	for i := 0; i < 8; i++ {
		resp, err = http.Post(srv.URL+"/v1/credentials/acquire", "application/json", nil)
		require.NoError(t, err)
		var lease struct {
			LeaseID      string `json:"lease_id"`
			CredentialID string `json:"credential_id"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&lease))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "acquire %d", i)

		body := `{"lease_id":"` + lease.LeaseID + `","credential_id":"` + lease.CredentialID + `","outcome":"success"}`
		resp, err = http.Post(srv.URL+"/v1/credentials/report", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/credentials/acquire", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	used, err := mr.Get("genbroker:limit:quota:" + info.ID)
	require.NoError(t, err)
	assert.Equal(t, "8", used)
}

func TestDaemon_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := newDaemon(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}
