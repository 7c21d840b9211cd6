package shell

import (
	"regexp"
	"strings"
)

// DefaultSuccessMarker terminates pm output on a successful install.
const DefaultSuccessMarker = "Success"

var failureCodeRe = regexp.MustCompile(`Failure \[([A-Z_]+)`)

// ParseOutput decides an install result from package manager output.
// Lines are trimmed and concatenated; the install succeeded iff the result
// ends with marker. On failure the message is the last non-empty line.
func ParseOutput(stdout, marker string) (ok bool, message string) {
	if marker == "" {
		marker = DefaultSuccessMarker
	}

	var joined strings.Builder
	last := ""
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		joined.WriteString(line)
		last = line
	}

	if joined.Len() > 0 && strings.HasSuffix(joined.String(), marker) {
		return true, last
	}
	return false, last
}

// FailureCode extracts the INSTALL_FAILED_* style code from output such as
// "Failure [INSTALL_FAILED_INVALID_APK: ...]". Empty when absent.
func FailureCode(output string) string {
	m := failureCodeRe.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildCommand returns the pm command line installing path.
func BuildCommand(path string, replace, allowTest bool) string {
	args := []string{"pm", "install"}
	if replace {
		args = append(args, "-r")
	}
	if allowTest {
		args = append(args, "-t")
	}
	args = append(args, Quote(path))
	return strings.Join(args, " ")
}
