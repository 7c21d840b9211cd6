package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sideload/internal/model"
)

var (
	checkMechanism string
	checkWait      time.Duration
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkMechanism, "mechanism", "m", "elevated", "Mechanism to check: elevated or shell")
	checkCmd.Flags().DurationVar(&checkWait, "wait", 0, "When a prompt is raised, wait this long for the answer")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Pre-flight install permission",
	Long:  "Reports whether the mechanism may install. For the elevated mechanism a missing grant raises a\npermission prompt on the broker; with --wait the command blocks until it is answered.\nExit code: 0 granted, 1 denied, 2 unsupported, 3 requested.",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	mech, err := model.ParseMechanism(checkMechanism)
	if err != nil {
		return err
	}

	s, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Attach before asking so a fast answer is not missed.
	results, detach := s.coord.PermissionResults(1)
	defer detach()

	p := s.coord.CheckPermission(ctx, mech)
	fmt.Printf("%s: %s\n", mech, preflightWord(p))

	if p == model.PreflightRequested && checkWait > 0 {
		fmt.Fprintf(os.Stderr, "Waiting up to %s for the prompt to be answered (sideload broker pending)...\n", checkWait)
		select {
		case r, ok := <-results:
			if ok {
				p = model.PreflightDenied
				if r.Granted {
					p = model.PreflightGranted
				}
				fmt.Printf("%s: %s (ticket %d)\n", mech, preflightWord(p), r.Ticket)
			}
		case <-time.After(checkWait):
			fmt.Fprintln(os.Stderr, "No answer yet.")
		case <-ctx.Done():
		}
	}

	switch p {
	case model.PreflightGranted:
		return nil
	case model.PreflightUnsupported:
		return &exitError{code: 2}
	case model.PreflightRequested:
		return &exitError{code: 3}
	default:
		return &exitError{code: 1}
	}
}
