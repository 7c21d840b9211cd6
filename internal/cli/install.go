package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sideload/internal/bridge"
	"github.com/ppiankov/sideload/internal/model"
)

var (
	installMechanism string
	installPackage   string
	installNoReplace bool
	installJSON      bool
	installTimeout   time.Duration
)

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVarP(&installMechanism, "mechanism", "m", "elevated", "Install mechanism: elevated or shell")
	installCmd.Flags().StringVar(&installPackage, "package", "", "Package name (single source only; default derived from file name)")
	installCmd.Flags().BoolVar(&installNoReplace, "no-replace", false, "Fail instead of replacing an installed package")
	installCmd.Flags().BoolVar(&installJSON, "json", false, "Print outcomes as JSON")
	installCmd.Flags().DurationVar(&installTimeout, "timeout", 0, "Wait at most this long for each commit result (default from config)")
}

var installCmd = &cobra.Command{
	Use:   "install <archive>...",
	Short: "Install or upgrade packages",
	Long:  "Installs each archive through the chosen mechanism and prints one outcome per archive.\nExit code: 0 ok, 1 failure, 2 unsupported, 3 permission pending, 4 timed out.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInstall,
}

func runInstall(cmd *cobra.Command, args []string) error {
	mech, err := model.ParseMechanism(installMechanism)
	if err != nil {
		return err
	}
	if installPackage != "" && len(args) > 1 {
		return fmt.Errorf("--package applies to a single archive")
	}

	if installTimeout < 0 {
		return fmt.Errorf("--timeout must not be negative")
	}
	if installTimeout > 0 {
		cfg.Elevated.CommitTimeout = installTimeout
	}

	s, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var replace *bool
	if installNoReplace {
		no := false
		replace = &no
	}

	futures := make([]*bridge.Future[model.InstallOutcome], len(args))
	for i, src := range args {
		futures[i] = s.coord.Submit(ctx, model.InstallRequest{
			Source:      src,
			Mechanism:   mech,
			PackageName: installPackage,
			Replace:     replace,
			Caller:      "cli",
		})
	}

	code := 0
	outcomes := make([]model.InstallOutcome, 0, len(args))
	for i, f := range futures {
		out, err := f.Wait(ctx, 0)
		if err != nil {
			out = model.Failed(model.InstallRequest{Source: args[i], Mechanism: mech}, model.StatusFailure, "interrupted: %v", err)
		}
		outcomes = append(outcomes, out)
		if c := exitCode(out.StatusCode); c != 0 && code == 0 {
			code = c
		}
		if !installJSON {
			printOutcome(os.Stdout, args[i], out)
		}
	}

	if installJSON {
		data, _ := json.MarshalIndent(outcomes, "", "  ")
		fmt.Println(string(data))
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
