package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pidkeeper/internal/config"
	"github.com/loykin/pidkeeper/internal/daemon"
	"github.com/loykin/pidkeeper/internal/detector"
	"github.com/loykin/pidkeeper/internal/history/sqlite"
	"github.com/loykin/pidkeeper/internal/server"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestWriteCheckMoveRemove(t *testing.T) {
	dir := t.TempDir()
	pf := filepath.Join(dir, "app.pid")
	self := fmt.Sprint(os.Getpid())

	_, err := run(t, "check", "--pidfile", pf)
	var ee exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)

	_, err = run(t, "write", "--pidfile", pf, "--pid", self)
	require.NoError(t, err)

	out, err := run(t, "check", "--pidfile", pf)
	require.NoError(t, err)
	assert.Contains(t, out, "running (pid "+self+")")

	out, err = run(t, "status", "--pidfile", pf, "--json")
	require.NoError(t, err)
	var h detector.Holder
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.True(t, h.Running)
	assert.Equal(t, os.Getpid(), h.PID)

	moved := filepath.Join(dir, "moved.pid")
	_, err = run(t, "move", "--pidfile", pf, "--to", moved)
	require.NoError(t, err)
	_, err = os.Stat(pf)
	assert.True(t, os.IsNotExist(err))

	// live holder needs a matching --pid
	_, err = run(t, "remove", "--pidfile", moved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live PID")
	_, err = run(t, "remove", "--pidfile", moved, "--pid", self)
	require.NoError(t, err)
	_, err = os.Stat(moved)
	assert.True(t, os.IsNotExist(err))

	// already gone
	_, err = run(t, "remove", "--pidfile", moved)
	require.NoError(t, err)
}

func TestRemoveStale(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "stale.pid")
	require.NoError(t, os.WriteFile(pf, []byte("garbage"), 0o644))
	_, err := run(t, "remove", "--pidfile", pf)
	require.NoError(t, err)
	_, err = os.Stat(pf)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteValidation(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "app.pid")
	_, err := run(t, "write", "--pidfile", pf)
	require.Error(t, err)
	_, err = run(t, "write", "--pidfile", pf, "--pid", "0")
	require.Error(t, err)
	for _, pid := range []string{"2147483648", "4294967295", "4294967297"} {
		_, err = run(t, "write", "--pidfile", pf, "--pid", pid)
		require.Error(t, err, pid)
	}
	_, err = os.Stat(pf)
	assert.True(t, os.IsNotExist(err))
	_, err = run(t, "wait", "--pidfile", pf, "--pid", "4294967297")
	require.Error(t, err)
	_, err = run(t, "write", "--pidfile", filepath.Join(t.TempDir(), "no", "app.pid"), "--pid", "1")
	require.Error(t, err)
	_, err = run(t, "check", "--pidfile", pf, "--log-level", "loud")
	require.Error(t, err)
}

func TestStatusText(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "app.pid")
	out, err := run(t, "status", "--pidfile", pf)
	require.NoError(t, err)
	assert.Contains(t, out, "not running")

	require.NoError(t, os.WriteFile(pf, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))
	out, err = run(t, "status", "--pidfile", pf)
	require.NoError(t, err)
	assert.Contains(t, out, "state:   running")
}

func TestSignalNoHolder(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "app.pid")
	_, err := run(t, "signal", "--pidfile", pf, "--signal", "KILL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running process")

	_, err = run(t, "signal", "--pidfile", pf, "--signal", "NOPE")
	require.Error(t, err)
}

func TestHistoryNeedsStore(t *testing.T) {
	_, err := run(t, "history")
	require.Error(t, err)
}

func TestChildArgs(t *testing.T) {
	got := childArgs([]string{"serve", "--daemonize", "--config", "a.toml", "--daemonize=true", "--logfile", "x"})
	assert.Equal(t, []string{"serve", "--config", "a.toml", "--logfile", "x"}, got)
}

func writeConfig(t *testing.T, path, pidfile, dsn string) {
	t.Helper()
	body := fmt.Sprintf(`[pidfile]
path = %q

[log]
level = "error"

[history]
enabled = true
dsn = %q
`, pidfile, dsn)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestServeLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pidkeeper.toml")
	first := filepath.Join(dir, "first.pid")
	second := filepath.Join(dir, "second.pid")
	dsn := "sqlite://" + filepath.Join(dir, "history.db")
	writeConfig(t, cfgPath, first, dsn)

	var out bytes.Buffer
	pk := command{global: &GlobalFlags{ConfigPath: cfgPath}, out: &out}
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	log, _ := cfg.Logger().NewSlogger()

	sigCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- pk.serve(cfg, log, sigCh) }()

	require.Eventually(t, func() bool { return fileHasPID(first) }, 5*time.Second, 20*time.Millisecond)

	writeConfig(t, cfgPath, second, dsn)
	sigCh <- syscall.SIGHUP
	require.Eventually(t, func() bool { return fileHasPID(second) }, 5*time.Second, 20*time.Millisecond)
	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err))

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))

	hist, err := run(t, "history", "--dsn", dsn)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(hist), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "release")
	assert.Contains(t, lines[1], "rename")
	assert.Contains(t, lines[2], "claim")
}

func TestServeRefusesLiveHolder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on pid 1 existing")
	}
	dir := t.TempDir()
	pf := filepath.Join(dir, "busy.pid")
	// pid 1 always exists
	require.NoError(t, os.WriteFile(pf, []byte("1\n"), 0o644))

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.PIDFile.Path = pf
	pk := command{global: &GlobalFlags{}, out: &bytes.Buffer{}}
	log, _ := cfg.Logger().NewSlogger()

	err = pk.serve(cfg, log, make(chan os.Signal))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func fileHasPID(path string) bool {
	b, err := os.ReadFile(path)
	return err == nil && strings.TrimSpace(string(b)) == fmt.Sprint(os.Getpid())
}

func TestStatusAndHistoryViaAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink, err := sqlite.New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	pf := filepath.Join(t.TempDir(), "api.pid")
	inst := daemon.NewInstance(pf, daemon.WithSink(sink))
	require.NoError(t, inst.Claim(t.Context(), os.Getpid()))
	defer func() { _ = inst.Release(t.Context()) }()

	srv := httptest.NewServer(server.NewRouter(inst, "/api", server.WithHistory(sink)).Handler())
	defer srv.Close()

	out, err := run(t, "status", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, "pidfile: "+pf)
	assert.Contains(t, out, "state:   running")

	out, err = run(t, "history", "--api-url", srv.URL+"/api", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "claim")
	assert.Contains(t, out, pf)
}
