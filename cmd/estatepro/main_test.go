package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/infra/config"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func memoryConfig(addr string) config.Config {
	return config.Config{
		Env:       "test",
		HTTPAddr:  addr,
		Backend:   config.BackendMemory,
		Feed:      config.BackendMemory,
		Directory: config.BackendMemory,
		Fixtures:  "../../data/chat_fixtures.json",
	}
}

func TestServeReturnsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = serve(context.Background(), memoryConfig(ln.Addr().String()), quiet)
	assert.Error(t, err)
}

func TestServeReturnsBackendError(t *testing.T) {
	cfg := memoryConfig("127.0.0.1:0")
	cfg.Backend = "cassandra"
	err := serve(context.Background(), cfg, quiet)
	assert.ErrorContains(t, err, "unsupported backend")
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, memoryConfig("127.0.0.1:0"), quiet) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
