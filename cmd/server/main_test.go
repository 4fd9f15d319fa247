package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	name  string
	err   error
	calls *[]string
}

func (s step) Shutdown(context.Context) error {
	*s.calls = append(*s.calls, s.name)
	return s.err
}

func (s step) Close(context.Context) error {
	*s.calls = append(*s.calls, s.name)
	return s.err
}

type sessionStep struct {
	calls *[]string
}

func (s sessionStep) Shutdown() { *s.calls = append(*s.calls, "sessions") }

func TestShutdownStopsListenerBeforeSessions(t *testing.T) {
	var calls []string
	err := shutdown(context.Background(),
		step{name: "http", calls: &calls},
		sessionStep{calls: &calls},
		step{name: "flush", calls: &calls},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"http", "sessions", "flush"}, calls)
}

func TestShutdownFlushesEvenWhenListenerFails(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	err := shutdown(context.Background(),
		step{name: "http", err: boom, calls: &calls},
		sessionStep{calls: &calls},
		step{name: "flush", calls: &calls},
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"http", "sessions", "flush"}, calls)
}
