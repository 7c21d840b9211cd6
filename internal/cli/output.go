package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/ppiankov/sideload/internal/model"
)

var (
	okColor      = color.New(color.FgGreen, color.Bold)
	failColor    = color.New(color.FgRed, color.Bold)
	pendingColor = color.New(color.FgYellow, color.Bold)
)

// statusWord renders a status code as a short colored word.
func statusWord(c model.StatusCode) string {
	switch c {
	case model.StatusOK:
		return okColor.Sprint("OK")
	case model.StatusPermissionPending:
		return pendingColor.Sprint("PENDING")
	case model.StatusTimedOut:
		return pendingColor.Sprint("TIMEOUT")
	case model.StatusUnsupported:
		return failColor.Sprint("UNSUPPORTED")
	default:
		return failColor.Sprint("FAIL")
	}
}

func preflightWord(p model.Preflight) string {
	switch p {
	case model.PreflightGranted:
		return okColor.Sprint("granted")
	case model.PreflightRequested:
		return pendingColor.Sprint("requested")
	default:
		return failColor.Sprint(p.String())
	}
}

func printOutcome(w io.Writer, source string, out model.InstallOutcome) {
	fmt.Fprintf(w, "%-12s %s (%s, %s)\n", statusWord(out.StatusCode), source, out.Mechanism, out.Duration.Round(1e6))
	if out.Message != "" {
		fmt.Fprintf(w, "             %s\n", out.Message)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
