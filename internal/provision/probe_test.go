package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReadyRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, NewProber().WaitReady(ctx, ts.URL))
	assert.Equal(t, int32(4), calls.Load())
}

func TestWaitReadyGivesUpAtDeadline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewProber().WaitReady(ctx, ts.URL)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitReadyRetriesRefusedConnections(t *testing.T) {
	ln, err := listenLoopback()
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, NewProber().WaitReady(ctx, "http://"+addr+"/healthz"), ErrNotReady)
}

func TestHealthy(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	p := NewProber()
	assert.True(t, p.Healthy(context.Background(), ts.URL))

	status.Store(http.StatusInternalServerError)
	assert.False(t, p.Healthy(context.Background(), ts.URL))
}
