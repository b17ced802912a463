package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pidkeeper/internal/history"
)

func TestVerifyRestoresMissingPidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.pid")
	sink := &memSink{}
	inst := NewInstance(path, WithSink(sink))

	restored, err := inst.Verify(t.Context())
	require.NoError(t, err)
	assert.False(t, restored, "unclaimed instance does nothing")

	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))
	restored, err = inst.Verify(t.Context())
	require.NoError(t, err)
	assert.False(t, restored)

	require.NoError(t, os.Remove(path))
	restored, err = inst.Verify(t.Context())
	require.NoError(t, err)
	assert.True(t, restored)
	assert.True(t, fileNames(path, os.Getpid()))
	assert.Equal(t, []history.EventType{history.EventClaim, history.EventRestore}, sink.types())
}

func TestVerifyLeavesForeignHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.pid")
	inst := NewInstance(path, WithProber(aliveProber(100, 200)))
	require.NoError(t, inst.Claim(t.Context(), 100))

	require.NoError(t, os.WriteFile(path, []byte("200\n"), 0o644))
	_, err := inst.Verify(t.Context())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, fileNames(path, 200))
}

func TestStartVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.pid")
	inst := NewInstance(path)
	require.Error(t, inst.StartVerifier(t.Context(), "not a schedule"))

	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, inst.StartVerifier(ctx, "@every 1s"))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return fileNames(path, os.Getpid()) }, 5*time.Second, 50*time.Millisecond)
}

func fileNames(path string, pid int) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return string(b) == fmt.Sprintf("%d\n", pid)
}

