package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/sideload/internal/brokerd"
	"github.com/ppiankov/sideload/internal/pkgservice"
)

func init() {
	rootCmd.AddCommand(packagesCmd)
}

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List packages installed through the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		dirs := pkgservice.Dirs{Root: brokerd.PackageRoot(cfg.Daemon.StateDir)}
		reg, err := pkgservice.OpenRegistry(dirs.RegistryPath())
		if err != nil {
			return err
		}
		defer reg.Close()

		list, err := reg.List(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list packages: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No packages installed.")
			return nil
		}

		fmt.Printf("%-40s %-24s %10s %8s %s\n", "PACKAGE", "INSTALLER", "SIZE", "INSTALLS", "UPDATED")
		for _, p := range list {
			fmt.Printf("%-40s %-24s %10s %8d %s\n",
				truncate(p.Name, 40),
				truncate(p.InstallerPackage, 24),
				humanize.Bytes(uint64(p.Size)),
				p.InstallCount,
				humanize.Time(p.UpdatedAt),
			)
		}
		return nil
	},
}
