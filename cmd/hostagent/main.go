package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"

	"hostagent/internal/agent"
	"hostagent/internal/config"
	"hostagent/internal/lifecycle"
	"hostagent/internal/metrics"
	"hostagent/internal/queue"
)

// exitCode carries a non-zero process exit status out of a command.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	rootCmd := &cobra.Command{
		Use:           "hostagent",
		Short:         "Host monitoring agent",
		Long:          `hostagent runs the diagnostic commands its collector asks for and ships the results back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return exitCode(1)
		},
	}
	rootCmd.AddCommand(newStartCmd(), newStopCmd())

	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			closer := setupLogging(cfg)
			if closer != nil {
				defer closer.Close()
			}
			if code := start(cfg); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pid, err := lifecycle.StopRunning(cfg.LockFile)
			if err != nil {
				return fmt.Errorf("failed to stop agent: %w", err)
			}
			fmt.Printf("stopped agent (pid %d)\n", pid)
			return nil
		},
	}
}

func setupLogging(cfg config.Config) io.Closer {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
		LocalTime:  true,
	}
	log.Logger = zerolog.New(lj).With().Timestamp().Logger()
	return lj
}

func start(cfg config.Config) (code int) {
	identity, err := config.LoadIdentity(cfg.IdentityFile)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.IdentityFile).Msg("cannot read agent identity")
		return 1
	}

	if err := lifecycle.AcquireLock(cfg.LockFile); err != nil {
		log.Error().Err(err).Str("lock_file", cfg.LockFile).Msg("cannot start")
		return 1
	}
	defer func() {
		if err := lifecycle.ReleaseLock(cfg.LockFile); err != nil {
			log.Warn().Err(err).Msg("failed to remove lock file")
		}
	}()

	scripts := lifecycle.Scripts{
		UpdatePath:    cfg.UpdateScript,
		UninstallPath: cfg.UninstallScript,
		RestartPath:   cfg.RestartScript,
		LogDir:        cfg.ScriptLogDir,
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		report := lifecycle.NewCrashReport(r, debug.Stack(), cfg.HTTPProxy != "")
		path, err := lifecycle.WriteCrashReport(filepath.Join(filepath.Dir(cfg.DBPath), "crash"), report)
		log.Error().Err(err).Str("report", path).Str("panic", report.Panic).Msg("agent crashed, restarting")
		if err := scripts.Restart(); err != nil {
			log.Error().Err(err).Msg("failed to start restart script")
		}
		code = 1
	}()

	db, err := queue.Open(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.DBPath).Msg("open result store")
		return 1
	}
	repo := queue.NewSQLiteRepo(db)

	a, err := agent.New(cfg, identity, repo, agent.Deps{Scripts: scripts, Metrics: metrics.New()})
	if err != nil {
		_ = repo.Close()
		log.Error().Err(err).Msg("build agent")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Str("server", cfg.ServerURL).Str("agent_id", identity.AgentID).Msg("agent starting")
	return a.Run(ctx)
}
