package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/pidfile"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// aliveProber treats every pid in live as running and everything else as gone.
func aliveProber(live ...int) pidfile.Prober {
	return pidfile.ProberFunc(func(pid int) error {
		for _, l := range live {
			if l == pid {
				return nil
			}
		}
		return syscall.ESRCH
	})
}

func TestClaimFreshPidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	sink := &memSink{}
	inst := NewInstance(path, WithSink(sink), WithHostname("box"), WithProber(aliveProber(100)))

	require.NoError(t, inst.Claim(t.Context(), 100))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "100\n", string(b))
	require.Equal(t, []history.EventType{history.EventClaim}, sink.types())
	assert.Equal(t, "box", sink.events[0].Record.Host)
	assert.Equal(t, 100, sink.events[0].Record.PID)
}

func TestClaimRefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o644))
	sink := &memSink{}
	inst := NewInstance(path, WithSink(sink), WithProber(aliveProber(4242, 100)))

	err := inst.Claim(t.Context(), 100)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "4242")

	b, _ := os.ReadFile(path)
	assert.Equal(t, "4242\n", string(b))
	assert.Empty(t, sink.types())

	// nothing claimed, so release must leave the other holder alone
	require.NoError(t, inst.Release(t.Context()))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestClaimOverwritesStale(t *testing.T) {
	for name, content := range map[string]string{"dead pid": "4242\n", "garbage": "not-a-pid"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "d.pid")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			sink := &memSink{}
			inst := NewInstance(path, WithSink(sink), WithProber(aliveProber(100)))

			require.NoError(t, inst.Claim(t.Context(), 100))
			assert.Equal(t, []history.EventType{history.EventStale, history.EventClaim}, sink.types())
			b, _ := os.ReadFile(path)
			assert.Equal(t, "100\n", string(b))
		})
	}
}

func TestClaimOwnPidIsQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, os.WriteFile(path, []byte("100\n"), 0o644))
	sink := &memSink{}
	inst := NewInstance(path, WithSink(sink), WithProber(aliveProber(100)))

	require.NoError(t, inst.Claim(t.Context(), 100))
	assert.Empty(t, sink.types())

	// ownership is still recorded
	require.NoError(t, inst.Release(t.Context()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestClaimMissingDirectory(t *testing.T) {
	inst := NewInstance(filepath.Join(t.TempDir(), "missing", "d.pid"))
	err := inst.Claim(t.Context(), os.Getpid())
	require.ErrorIs(t, err, pidfile.ErrNoDirectory)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "a.pid")
	newPath := filepath.Join(dir, "b.pid")
	sink := &memSink{}
	inst := NewInstance(oldPath, WithSink(sink))

	require.ErrorIs(t, inst.Reload(t.Context(), newPath), ErrNotClaimed)

	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))
	require.NoError(t, inst.Reload(t.Context(), oldPath)) // unchanged path
	require.NoError(t, inst.Reload(t.Context(), newPath))

	assert.Equal(t, newPath, inst.Path())
	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []history.EventType{history.EventClaim, history.EventRename}, sink.types())
	assert.Equal(t, oldPath, sink.events[1].Record.PrevPath)
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	sink := &memSink{}
	inst := NewInstance(path, WithSink(sink))

	require.NoError(t, inst.Release(t.Context()))
	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))
	require.NoError(t, inst.Release(t.Context()))
	require.NoError(t, inst.Release(t.Context()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []history.EventType{history.EventClaim, history.EventRelease}, sink.types())
}

func TestReleaseLeavesForeignPidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	sink := &memSink{}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	inst := NewInstance(path, WithSink(sink), WithLogger(logger), WithProber(aliveProber(100, 200)))

	require.NoError(t, inst.Claim(t.Context(), 100))
	require.NoError(t, os.WriteFile(path, []byte("200\n"), 0o644))
	require.NoError(t, inst.Release(t.Context()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "200\n", string(b))
	assert.Equal(t, []history.EventType{history.EventClaim}, sink.types())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "holder=200")
	assert.NotContains(t, logs.String(), "pidfile released")

	// released once; a second call does nothing
	require.NoError(t, inst.Release(t.Context()))
	assert.Len(t, sink.types(), 1)
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	inst := NewInstance(path, WithSink(&memSink{err: errors.New("down")}))

	require.NoError(t, inst.Claim(context.Background(), os.Getpid()))
	require.NoError(t, inst.Release(context.Background()))
}

func TestStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	inst := NewInstance(path)

	st, err := inst.Status()
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.False(t, st.Claimed)
	_, ok := inst.Holder()
	assert.False(t, ok)

	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))
	st, err = inst.Status()
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.Claimed)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, os.Getpid(), st.OwnPID)
	pid, ok := inst.Holder()
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestConcurrentStatusAndReload(t *testing.T) {
	dir := t.TempDir()
	inst := NewInstance(filepath.Join(dir, "0.pid"))
	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				_, _ = inst.Status()
			}
		}()
	}
	for k := 1; k <= 10; k++ {
		require.NoError(t, inst.Reload(t.Context(), filepath.Join(dir, string(rune('a'+k))+".pid")))
	}
	wg.Wait()
	require.NoError(t, inst.Release(t.Context()))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
