package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/sideload/internal/model"
)

// Installer is the install surface exposed as tools.
type Installer interface {
	Install(ctx context.Context, req model.InstallRequest) model.InstallOutcome
	CheckPermission(ctx context.Context, mechanism model.Mechanism) model.Preflight
}

// Config holds MCP server configuration.
type Config struct {
	Installer   Installer
	JournalPath string
	Version     string
	// Caller is recorded on every request made through the server.
	Caller string
}

// Server wraps the MCP SDK server around an Installer.
type Server struct {
	mcpServer   *mcpsdk.Server
	installer   Installer
	journalPath string
	caller      string
}

// New creates an MCP server with the sideload tools registered.
func New(cfg Config) *Server {
	caller := cfg.Caller
	if caller == "" {
		caller = "mcp"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		installer:   cfg.Installer,
		journalPath: cfg.JournalPath,
		caller:      caller,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "sideload",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all sideload tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "sideload_install",
		Description: "Install or upgrade a package from a local archive. Returns a status code: 0 ok, 1 failure, -1 unsupported, -2 permission pending, -3 timed out.",
	}, s.handleInstall)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "sideload_check_permission",
		Description: "Check whether an install mechanism may be used. Asking may raise a permission prompt on the broker.",
	}, s.handleCheckPermission)

	if s.journalPath != "" {
		mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
			Name:        "sideload_history",
			Description: "List recent installs from the install journal.",
		}, s.handleHistory)
	}
}
