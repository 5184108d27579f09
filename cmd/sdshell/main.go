//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	xterm "golang.org/x/term"

	"github.com/rsturla/sdshell/pkg/config"
	"github.com/rsturla/sdshell/pkg/nsinit"
	"github.com/rsturla/sdshell/pkg/shell"
	"github.com/rsturla/sdshell/pkg/transient"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	flagConfig string
	cfg        = config.Default()
	logger     = logrus.New()
)

func main() {
	// Init-proc mode: "sdshell --init-proc <init> [args...]" runs as PID 1
	// of a fresh PID namespace, mounts /proc and execs the init. Create
	// starts it this way, so it must be handled before cobra sees the
	// arguments.
	if len(os.Args) >= 2 && os.Args[1] == nsinit.InitProcFlag {
		if err := nsinit.InitProc(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(125)
	}

	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if strings.HasPrefix(err.Error(), "unknown command") {
			_ = rootCmd.Usage()
		}
		os.Exit(125)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdshell",
		Short: "Interactive shells inside a nested systemd",
		Long: `Run an interactive login shell as a transient unit of a systemd
instance that lives in its own PID and mount namespaces.

The nested systemd is started on demand by "boot" or "shell" and keeps
running until "shutdown".`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}
	rootCmd.SetOut(os.Stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "Config file (default "+config.DefaultPath+" if present)")
	cfg.BindFlags(flags)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "boot",
			Short: "Start the nested systemd if it is not running",
			Args:  cobra.NoArgs,
			RunE:  bootRun,
		},
		&cobra.Command{
			Use:   "shell [USER]",
			Short: "Open a login shell in the nested systemd",
			Args:  cobra.MaximumNArgs(1),
			RunE:  shellRun,
		},
		&cobra.Command{
			Use:   "shutdown",
			Short: "Kill the nested systemd",
			Args:  cobra.NoArgs,
			RunE:  shutdownRun,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(os.Stdout, "sdshell", version)
			},
		},
	)
	return rootCmd
}

// setup loads the configuration underneath the flags the user set and
// configures logging.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	loaded.ApplyEnv(os.LookupEnv)

	// Flags given on the command line win over file and environment.
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log-level":
			loaded.Log.Level = cfg.Log.Level
		case "init":
			loaded.Init.Path = cfg.Init.Path
		case "bus-address":
			loaded.Bus.Address = cfg.Bus.Address
		case "call-timeout":
			loaded.Bus.CallTimeout = cfg.Bus.CallTimeout
		}
	})
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return nil
}

func component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

func supervisor() *nsinit.Supervisor {
	return nsinit.New(nsinit.Options{
		InitPath:    cfg.Init.Path,
		InitArgs:    cfg.Init.Args,
		Name:        cfg.Init.Name,
		ProcRoot:    cfg.Init.ProcRoot,
		ForeignOnly: cfg.Init.ForeignOnly,
	}, component("nsinit"))
}

func bootRun(cmd *cobra.Command, args []string) error {
	p, err := supervisor().Ensure()
	if err != nil {
		return err
	}
	component("boot").WithField("pid", p.PID).Info("init running")
	return nil
}

func shutdownRun(cmd *cobra.Command, args []string) error {
	s := supervisor()
	p, ok, err := s.Locate()
	if err != nil {
		return err
	}
	if !ok {
		component("shutdown").Info("no init running")
		return nil
	}
	return s.Shutdown(p.PID)
}

func shellRun(cmd *cobra.Command, args []string) error {
	if !xterm.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}
	user := cfg.Unit.User
	if len(args) == 1 {
		user = args[0]
	}

	if _, err := supervisor().Ensure(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	starter := &transient.Starter{
		Address:      cfg.Bus.Address,
		CallTimeout:  cfg.Bus.CallTimeout,
		DialTimeout:  cfg.Bus.DialTimeout,
		DialAttempts: cfg.Bus.DialAttempts,
		DialBackoff:  cfg.Bus.DialBackoff,
		Log:          component("transient"),
	}
	return shell.Run(ctx, starter, shell.Options{
		Unit: transient.Options{
			Prefix:      cfg.Unit.Prefix,
			Description: cfg.Unit.Description,
			User:        user,
			Command:     cfg.Unit.Command,
			Env:         cfg.Unit.Env,
			Inherit:     cfg.Unit.EnvInherit,
		},
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
		ReadyAttempts: cfg.PTY.ReadyAttempts,
		ReadyInterval: cfg.PTY.ReadyInterval,
	}, component("shell"))
}
