package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/sideload/internal/approval"
	"github.com/ppiankov/sideload/internal/brokerd"
)

var (
	pendingAll    bool
	grantDuration time.Duration
	denyPermanent bool
)

func init() {
	brokerCmd.AddCommand(pendingCmd, grantCmd, denyCmd, revokeCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include answered prompts")
	grantCmd.Flags().DurationVar(&grantDuration, "duration", 0, "Grant validity (e.g., 1h). Default: until revoked")
	denyCmd.Flags().BoolVar(&denyPermanent, "permanent", false, "Do not prompt again for this caller")
}

func promptStore() (*approval.Store, error) {
	store, err := approval.NewStore(brokerd.PromptDir(cfg.Daemon.StateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt store: %w", err)
	}
	return store, nil
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List permission prompts waiting for an answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		list, err := store.Pending()
		if pendingAll {
			list, err = store.List()
		}
		if err != nil {
			return fmt.Errorf("failed to list prompts: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No pending prompts.")
			return nil
		}

		fmt.Printf("%-40s %-10s %-10s %s\n", "KEY", "STATUS", "DELIVERED", "CREATED")
		for _, p := range list {
			fmt.Printf("%-40s %-10s %-10t %s\n",
				truncate(p.Key, 40),
				p.Status,
				p.Delivered,
				humanize.Time(p.CreatedAt),
			)
		}
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <key>",
	Short: "Grant a permission prompt",
	Long:  "Grants the prompt and records a standing grant for its caller.\nWith --duration the grant lapses after the given period.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		p, err := store.Grant(args[0], grantDuration)
		if err != nil {
			return err
		}
		if grantDuration > 0 {
			fmt.Printf("Granted %s (ticket %d) for %s\n", p.Caller, p.Ticket, grantDuration)
		} else {
			fmt.Printf("Granted %s (ticket %d)\n", p.Caller, p.Ticket)
		}
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <key>",
	Short: "Deny a permission prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		p, err := store.Deny(args[0], denyPermanent)
		if err != nil {
			return err
		}
		suffix := ""
		if denyPermanent {
			suffix = ", permanently"
		}
		fmt.Printf("Denied %s (ticket %d%s)\n", p.Caller, p.Ticket, suffix)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <caller>",
	Short: "Forget the standing decision and uid binding for a caller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		if err := store.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("Revoked decision and uid binding for %s\n", args[0])
		return nil
	},
}
