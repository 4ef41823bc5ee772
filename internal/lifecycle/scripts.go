package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Scripts launches the install-provided helper scripts. Each runs detached
// in its own process group so it outlives the agent, with output appended
// to <LogDir>/hostagent_<name>.log and .err.
type Scripts struct {
	UpdatePath    string
	UninstallPath string
	RestartPath   string
	LogDir        string
	// Dir is the working directory of the scripts, the install root.
	Dir string
}

// Update starts the self-update to version.
func (s Scripts) Update(agentID, version, orgToken, proxy string) error {
	args := []string{"-a", agentID, "-v", version, "-o", orgToken}
	if proxy != "" {
		args = append(args, "-x", proxy)
	}
	return s.spawn("update", s.UpdatePath, args...)
}

func (s Scripts) Uninstall() error {
	return s.spawn("uninstall", s.UninstallPath, "-u")
}

func (s Scripts) Restart() error {
	return s.spawn("restart", s.RestartPath)
}

func (s Scripts) spawn(name, path string, args ...string) error {
	if path == "" {
		return fmt.Errorf("no %s script configured", name)
	}
	dir := s.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	stdout, err := os.OpenFile(filepath.Join(dir, "hostagent_"+name+".log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s log: %w", name, err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(dir, "hostagent_"+name+".err"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s log: %w", name, err)
	}
	defer stderr.Close()

	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s script: %w", name, err)
	}
	log.Info().Str("script", path).Int("pid", cmd.Process.Pid).Msgf("%s script started", name)
	return cmd.Process.Release()
}
