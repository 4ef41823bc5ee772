package lifecycle

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "hostagent.pid")

	require.NoError(t, AcquireLock(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	assert.ErrorIs(t, AcquireLock(path), ErrAlreadyRunning)

	require.NoError(t, ReleaseLock(path))
	require.NoError(t, ReleaseLock(path))
	require.NoError(t, AcquireLock(path))
}

func TestStopRunningSignalsPid(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	path := filepath.Join(t.TempDir(), "hostagent.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644))

	pid, err := StopRunning(path)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)

	select {
	case err := <-waited:
		var exitErr *exec.ExitError
		require.True(t, errors.As(err, &exitErr))
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("process was not signalled")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStopRunningWithoutLock(t *testing.T) {
	_, err := StopRunning(filepath.Join(t.TempDir(), "missing.pid"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, err = StopRunning(bad)
	assert.Error(t, err)
}

func writeScript(t *testing.T, dir, name, out string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	body := "#!/bin/sh\necho \"$@\" > " + out + "\necho done\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestScriptsPassArguments(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "args")
	s := Scripts{
		UpdatePath:    writeScript(t, dir, "update.sh", out+".update"),
		UninstallPath: writeScript(t, dir, "uninstall.sh", out+".uninstall"),
		RestartPath:   writeScript(t, dir, "restart.sh", out+".restart"),
		LogDir:        dir,
		Dir:           dir,
	}

	require.NoError(t, s.Update("agent-1", "2.0.0", "org-tok", "http://proxy:3128"))
	require.NoError(t, s.Uninstall())
	require.NoError(t, s.Restart())

	read := func(p string) string {
		b, _ := os.ReadFile(p)
		return string(b)
	}
	require.Eventually(t, func() bool {
		return read(out+".update") != "" && read(out+".uninstall") != "" && read(out+".restart") != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "-a agent-1 -v 2.0.0 -o org-tok -x http://proxy:3128\n", read(out+".update"))
	assert.Equal(t, "-u\n", read(out+".uninstall"))
	assert.Equal(t, "\n", read(out+".restart"))

	require.Eventually(t, func() bool { return read(filepath.Join(dir, "hostagent_update.log")) == "done\n" }, 5*time.Second, 10*time.Millisecond)
}

func TestScriptWithoutProxyOrPath(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "args")
	s := Scripts{UpdatePath: writeScript(t, dir, "update.sh", out), LogDir: dir}

	require.NoError(t, s.Update("agent-1", "2.0.0", "org-tok", ""))
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(out)
		return string(b) == "-a agent-1 -v 2.0.0 -o org-tok\n"
	}, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, s.Uninstall())
}

func TestCrashReport(t *testing.T) {
	dir := t.TempDir()
	r := NewCrashReport("boom", []byte("goroutine 1 [running]"), true)

	path, err := WriteCrashReport(filepath.Join(dir, "crash"), r)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got CrashReport
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "boom", got.Panic)
	assert.Equal(t, os.Getpid(), got.Process.PID)
	assert.True(t, got.Process.IsProxy)
	assert.Positive(t, got.OS.CPUCount)
	assert.NotEmpty(t, got.OS.Platform)
}
