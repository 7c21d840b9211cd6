package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sideloadmcp "github.com/ppiankov/sideload/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs sideload as an MCP (Model Context Protocol) server over stdio.\nExposes tools: sideload_install, sideload_check_permission, sideload_history.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	s, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := sideloadmcp.New(sideloadmcp.Config{
		Installer:   s.coord,
		JournalPath: cfg.Journal.Path,
		Version:     version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "sideload MCP server running on stdio")
	return srv.Run(ctx)
}
