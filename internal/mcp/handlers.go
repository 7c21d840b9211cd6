package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/sideload/internal/journal"
	"github.com/ppiankov/sideload/internal/model"
)

// --- Input/Output types ---

// InstallInput defines parameters for the sideload_install tool.
type InstallInput struct {
	Source      string `json:"source" jsonschema:"local path or file:// URI of the package archive"`
	Mechanism   string `json:"mechanism,omitempty" jsonschema:"elevated (broker session, default) or shell (root pm install)"`
	PackageName string `json:"package_name,omitempty" jsonschema:"package name, derived from the file name when omitted"`
	Replace     *bool  `json:"replace,omitempty" jsonschema:"replace an installed package, defaults to configuration"`
}

// InstallOutput reports the install outcome.
type InstallOutput struct {
	RequestID  string `json:"request_id"`
	Succeeded  bool   `json:"succeeded"`
	StatusCode int    `json:"status_code"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// CheckPermissionInput selects the mechanism to pre-flight.
type CheckPermissionInput struct {
	Mechanism string `json:"mechanism,omitempty" jsonschema:"elevated (default) or shell"`
}

// CheckPermissionOutput is the pre-flight answer.
type CheckPermissionOutput struct {
	Mechanism string `json:"mechanism"`
	Code      int    `json:"code"`
	Result    string `json:"result"`
}

// HistoryInput filters journal entries.
type HistoryInput struct {
	PackageName string `json:"package_name,omitempty" jsonschema:"only entries for this package"`
	FailedOnly  bool   `json:"failed_only,omitempty" jsonschema:"only failed installs"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum entries, newest last (default 20)"`
}

// HistoryOutput lists journal entries.
type HistoryOutput struct {
	Entries []journal.Entry `json:"entries"`
}

// --- Handlers ---

func parseMechanism(s string) (model.Mechanism, error) {
	if s == "" {
		return model.Elevated, nil
	}
	return model.ParseMechanism(s)
}

func (s *Server) handleInstall(ctx context.Context, req *mcpsdk.CallToolRequest, input InstallInput) (*mcpsdk.CallToolResult, InstallOutput, error) {
	mech, err := parseMechanism(input.Mechanism)
	if err != nil {
		return nil, InstallOutput{}, err
	}
	if input.Source == "" {
		return nil, InstallOutput{}, fmt.Errorf("source is required")
	}

	out := s.installer.Install(ctx, model.InstallRequest{
		Source:      input.Source,
		Mechanism:   mech,
		PackageName: input.PackageName,
		Replace:     input.Replace,
		Caller:      s.caller,
	})

	result := InstallOutput{
		RequestID:  out.RequestID,
		Succeeded:  out.Succeeded,
		StatusCode: int(out.StatusCode),
		Status:     out.StatusCode.String(),
		Message:    out.Message,
		DurationMS: out.Duration.Milliseconds(),
	}
	if !out.Succeeded {
		return &mcpsdk.CallToolResult{IsError: true}, result, nil
	}
	return nil, result, nil
}

func (s *Server) handleCheckPermission(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckPermissionInput) (*mcpsdk.CallToolResult, CheckPermissionOutput, error) {
	mech, err := parseMechanism(input.Mechanism)
	if err != nil {
		return nil, CheckPermissionOutput{}, err
	}
	p := s.installer.CheckPermission(ctx, mech)
	return nil, CheckPermissionOutput{
		Mechanism: string(mech),
		Code:      int(p),
		Result:    p.String(),
	}, nil
}

func (s *Server) handleHistory(ctx context.Context, req *mcpsdk.CallToolRequest, input HistoryInput) (*mcpsdk.CallToolResult, HistoryOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	entries, err := journal.Read(s.journalPath, journal.Filter{
		PackageName: input.PackageName,
		FailedOnly:  input.FailedOnly,
		Limit:       limit,
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, HistoryOutput{}, fmt.Errorf("read journal: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return nil, HistoryOutput{Entries: entries}, nil
}
