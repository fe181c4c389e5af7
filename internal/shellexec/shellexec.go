// Package shellexec builds the single shell invocation used to spawn a
// daemon and resolves its working directory, grounded on
// original_source/src/shell.rs (POSIX sh only, per spec.md's non-goal of
// cross-host portability beyond POSIX) and lifecycle.rs's "exec" prefix
// trick (spec.md §4.3, §9 "Shell-command invocation").
package shellexec

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/wardenhq/warden/internal/wardenerr"
)

// Quote renders a single shell word, quoting it if it contains characters
// a POSIX shell would otherwise split or expand. Mirrors shell_words::join
// from the original, scoped to what the launcher actually needs: joining
// an argv into a single -c string.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_-./:=@%+,", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join renders argv as a single shell command line.
func Join(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

// ExecLine builds the "sh -c" argument for argv, prefixed with the shell's
// exec builtin so the shell process is replaced by the target program:
// the recorded pid is the target's pid, not an intermediate shell
// (spec.md §4.3, §9). Callers must not assume an intermediate shell
// process exists once this line runs.
func ExecLine(argv []string) string {
	return "exec " + Join(argv)
}

// ResolveWorkingDir expands environment variables and a leading "~", then
// makes the result absolute relative to configDir if it is not already
// absolute. An unresolvable directory (doesn't exist, or isn't a
// directory) is a Validation error raised before spawn (spec.md §4.3).
func ResolveWorkingDir(dir, configDir string) (string, error) {
	if dir == "" {
		dir = configDir
	}
	if dir == "" {
		dir = "."
	}

	expanded := os.Expand(dir, os.Getenv)
	expanded = expandTilde(expanded)

	if !filepath.IsAbs(expanded) {
		base := configDir
		if base == "" {
			base = "."
		}
		expanded = filepath.Join(base, expanded)
	}

	info, err := os.Stat(expanded)
	if err != nil {
		return "", wardenerr.Validationf("working_dir %q is unresolvable: %v", dir, err)
	}
	if !info.IsDir() {
		return "", wardenerr.Validationf("working_dir %q is not a directory", dir)
	}
	return expanded, nil
}

func expandTilde(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home := homeDir()
		if home == "" {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	if u, err := user.Current(); err == nil {
		return u.HomeDir
	}
	return ""
}
