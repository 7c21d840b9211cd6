package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sideload/internal/brokerd"
	"github.com/ppiankov/sideload/internal/integrity"
	"github.com/ppiankov/sideload/internal/systemd"
)

var (
	serveAutoGrant bool
	serveSocket    string

	unitWrite string
	unitUser  string
)

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.AddCommand(brokerServeCmd, brokerUnitCmd)

	brokerServeCmd.Flags().BoolVar(&serveAutoGrant, "auto-grant", false, "Grant every permission prompt without operator action")
	brokerServeCmd.Flags().StringVar(&serveSocket, "socket", "", "Unix socket path (default from config)")

	brokerUnitCmd.Flags().StringVar(&unitWrite, "write", "", "Write the unit to this path and record its hash")
	brokerUnitCmd.Flags().StringVar(&unitUser, "user", "root", "User the broker runs as")
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run and administer the privilege broker",
}

var brokerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the privilege broker daemon",
	Long:  "Serves install sessions and permission prompts on a unix socket.\nPrompts are answered with 'sideload broker grant' / 'deny' from another shell.",
	RunE:  runBrokerServe,
}

func unitHashPath() string {
	return filepath.Join(cfg.Daemon.StateDir, "unit-file.sha256")
}

func binaryChecker() integrity.Checker {
	return integrity.Checker{
		ChecksumPaths: integrity.DefaultChecksumPaths(cfg.Daemon.StateDir),
		TamperLog:     filepath.Join(cfg.Daemon.StateDir, "tamper.jsonl"),
	}
}

func runBrokerServe(cmd *cobra.Command, args []string) error {
	socket := cfg.Broker.Socket
	if serveSocket != "" {
		socket = serveSocket
	}
	if err := os.MkdirAll(cfg.Daemon.StateDir, 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := binaryChecker().Verify(); err != nil {
		return err
	}
	if msg := systemd.CheckUnitFileIntegrity(filepath.Join("/etc/systemd/system", systemd.UnitName), unitHashPath()); msg != "" {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", msg)
	}

	d, err := brokerd.New(brokerd.Config{
		Version:       version,
		UID:           cfg.Daemon.UID,
		StateDir:      cfg.Daemon.StateDir,
		Socket:        socket,
		AutoGrant:     cfg.Daemon.AutoGrant || serveAutoGrant,
		MaxSessions:   cfg.Daemon.MaxSessions,
		PromptLimit:   cfg.Daemon.PromptLimit,
		SessionMaxAge: cfg.Daemon.SessionMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "sideload broker listening on %s\n", socket)
	if cfg.Daemon.AutoGrant || serveAutoGrant {
		fmt.Fprintln(os.Stderr, "Auto-grant: every prompt is granted")
	}
	return d.Run(ctx)
}

var brokerUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the systemd unit for the broker",
	Long:  "Prints the unit. With --write the unit is installed at the given path and the\nhashes of the unit and of this binary are recorded for 'broker serve' to verify.",
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := os.Executable()
		if err != nil {
			exe = ""
		}
		unit := systemd.BrokerTemplate(systemd.UnitOptions{
			Binary:   exe,
			Config:   configPath,
			User:     unitUser,
			StateDir: cfg.Daemon.StateDir,
		})
		if unitWrite == "" {
			fmt.Print(unit)
			return nil
		}
		if err := os.WriteFile(unitWrite, []byte(unit), 0644); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Daemon.StateDir, 0750); err != nil {
			return err
		}
		if err := systemd.RecordUnitFileHash(unitWrite, unitHashPath()); err != nil {
			return err
		}
		hash, err := binaryChecker().Record(filepath.Join(cfg.Daemon.StateDir, "binary.sha256"))
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (binary sha256 %s)\n", unitWrite, hash[:12])
		return nil
	},
}
