package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/calsynch/internal/config"
	"github.com/custodia-labs/calsynch/internal/core/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{QueueSize: 10},
	}
}

func TestOpenBackends_MemoryDefaults(t *testing.T) {
	b, err := openBackends(context.Background(), testConfig(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "memory", b.storeKind)
	assert.Equal(t, "memory", b.queueKind)
	assert.Equal(t, "memory", b.lockKind)
	assert.NotNil(t, b.store)
	assert.NotNil(t, b.queue)
	assert.NotNil(t, b.lock)
}

func TestOpenBackends_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()

	b, err := openBackends(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "memory", b.storeKind)
	assert.Equal(t, "redis", b.queueKind)
	assert.Equal(t, "redis", b.lockKind)

	ok, err := b.lock.Acquire(context.Background(), "refresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, mr.Keys())
}

func TestOpenBackends_BadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.URL = "://nope"

	_, err := openBackends(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis url")
}

func TestOpenBackends_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Redis.URL = "redis://" + addr

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := openBackends(ctx, cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func sampleSubscriptions() []*domain.Subscription {
	refreshed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*domain.Subscription{
		{
			ID:          "sub-1",
			EndA:        domain.End{ConnectorID: "local", URI: "file:///cal/a", Credential: "secret"},
			EndB:        domain.End{ConnectorID: "local", URI: "file:///cal/b"},
			Direction:   domain.DirectionBoth,
			LastRefresh: &refreshed,
		},
		{
			ID:         "sub-2",
			EndA:       domain.End{ConnectorID: "local", URI: "file:///cal/c"},
			EndB:       domain.End{ConnectorID: "local", URI: "file:///cal/d"},
			Direction:  domain.DirectionAToB,
			ErrorCount: 2,
		},
	}
}

func TestWriteSubscriptionsTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSubscriptionsTable(&buf, sampleSubscriptions()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "sub-1")
	assert.Contains(t, lines[1], "2026-03-01T12:00:00Z")
	assert.Contains(t, lines[2], "sub-2")
	assert.NotContains(t, buf.String(), "secret")
}

func TestWriteSubscriptionsJSON_Redacts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSubscriptionsJSON(&buf, sampleSubscriptions()))

	assert.NotContains(t, buf.String(), "secret")

	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Len(t, out, 2)
	assert.Equal(t, "sub-1", out[0]["id"])
}
