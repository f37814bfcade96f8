// opclink - OPC client runtime
//
// Connects to OPC DA, UA, HDA, A&C and XML-DA servers, buffers collected
// values through uplink outages, runs edge models on live data and
// publishes everything to Kafka, MQTT, Valkey and NATS.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"opclink/api"
	"opclink/config"
	"opclink/engine"
	"opclink/logging"
	"opclink/metrics"
	"opclink/tui"

	_ "opclink/sim" // sim:// endpoints for demos and commissioning
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "opclink",
		Short:         "OPC client runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", config.DefaultPath(), "Path to configuration file")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newInitCmd(),
		newHashPasswordCmd(),
		newVersionCmd(),
	)
	return root
}

// runOptions holds the run command's flags.
type runOptions struct {
	configPath string
	noTUI      bool
	noAPI      bool
	listen     string
	logLevel   string
	logDebug   string
	watch      bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured servers and start publishing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.configPath, _ = cmd.Flags().GetString("config")
			return run(opts)
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.noTUI, "no-tui", "d", false, "Disable the terminal dashboard (headless mode)")
	f.BoolVar(&opts.noAPI, "no-api", false, "Disable the REST API for this run")
	f.StringVar(&opts.listen, "listen", "", "API listen address (overrides config)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	f.StringVar(&opts.logDebug, "log-debug", "", "Write protocol debug trace to debug.log, optionally filtered (e.g. ua,buffer)")
	f.Lookup("log-debug").NoOptDefVal = "all"
	f.BoolVar(&opts.watch, "watch", true, "Apply configuration file changes without restarting")
	return cmd
}

func run(opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		// First run: start from defaults and leave a file to edit.
		cfg = config.DefaultConfig()
		if err := cfg.Save(opts.configPath); err != nil {
			return fmt.Errorf("create %s: %w", opts.configPath, err)
		}
		fmt.Fprintf(os.Stderr, "Created default configuration at %s\n", opts.configPath)
	} else if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.listen != "" {
		cfg.API.Listen = opts.listen
	}
	if opts.noAPI {
		cfg.API.Enabled = false
	}

	headless := opts.noTUI || !term.IsTerminal(int(os.Stdout.Fd()))

	// The dashboard owns the terminal; logs go to its log tab instead.
	var console io.Writer = os.Stderr
	var logStore *tui.LogStore
	if !headless {
		console = nil
		logStore = tui.NewLogStore(2000)
	}
	var extra []io.Writer
	if logStore != nil {
		extra = append(extra, logStore)
	}
	logger, logCloser, err := logging.Setup(cfg.Logging, console, extra...)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if opts.logDebug != "" {
		dl, err := logging.SetupDebug("debug.log", opts.logDebug)
		if err != nil {
			return err
		}
		defer dl.Close()
		logger.Info("debug trace enabled", "file", "debug.log", "filter", opts.logDebug)
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: opts.configPath,
		Logger:     logger,
		Metrics:    metrics.DefaultRegistry(),
		Watch:      opts.watch,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Info("opclink started", "version", Version, "namespace", cfg.Namespace,
		"servers", len(cfg.Servers), "tags", len(cfg.Tags), "config", opts.configPath)

	var server *api.Server
	if cfg.API.Enabled || (cfg.Metrics.Enabled && cfg.Metrics.Listen != "") {
		server = api.NewServer(eng, cfg.API, cfg.Metrics, logger)
		if err := server.Start(); err != nil {
			eng.Stop(context.Background())
			return err
		}
	}

	go reloadOnHangup(ctx, eng, logger)

	var runErr error
	if headless {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-serverErrors(server):
			runErr = err
		}
	} else {
		if f, err := os.OpenFile(filepath.Join(filepath.Dir(opts.configPath), "stderr.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			if err := redirectStderr(f); err != nil {
				logger.Warn("stderr redirect failed", "error", err)
			}
			defer f.Close()
		}
		app := tui.NewApp(eng, logStore)
		go func() {
			<-ctx.Done()
			app.Shutdown()
		}()
		runErr = app.Run()
	}

	return shutdown(eng, server, cfg.ShutdownGrace, logger, runErr)
}

func serverErrors(s *api.Server) <-chan error {
	if s == nil {
		return nil
	}
	return s.Errors()
}

// shutdown stops the API first so no new writes arrive, then drains the
// engine within the grace period plus a margin for transports.
func shutdown(eng *engine.Engine, server *api.Server, grace time.Duration, logger *slog.Logger, runErr error) error {
	errs := []error{runErr}
	if server != nil {
		errs = append(errs, server.Stop())
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	errs = append(errs, eng.Stop(ctx))

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("shutdown completed with errors", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
	return err
}

// reloadOnHangup reloads the configuration file on SIGHUP.
func reloadOnHangup(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := eng.ReloadConfig(ctx); err != nil {
				logger.Warn("reload on SIGHUP failed", "error", err)
			} else {
				logger.Info("configuration reloaded on SIGHUP")
			}
		}
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d servers, %d tags, %d models, %d write policies)\n",
				path, len(cfg.Servers), len(cfg.Tags), len(cfg.Models), len(cfg.WritePolicies))
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for api.users[].password_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				p, err := readPassword(cmd)
				if err != nil {
					return err
				}
				password = p
			}
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := api.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise.
func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		return string(b), err
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opclink %s\n", Version)
		},
	}
}
