// Package security gates the orchestrator's outward-facing surfaces: the
// shell command allowlist used before any tool invocation, environment
// sanitization for spawned processes, and the authn/authz/rate-limit context
// wrapped around credentialed operations.
package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arbiterhq/orchestrator/logger"
)

// forbiddenSubstrings are shell metacharacter sequences that must never
// appear in a validated argument. Single characters are listed as strings so
// the scan below is uniform.
var forbiddenSubstrings = []string{
	";", "|", "&", "`", "$(", "${", "*", "?", "<", ">", ">>", "<<", "\x00",
}

const defaultMaxArgLength = 4096

// CommandValidator holds the allowlist of base command names and the
// argument constraints applied to every tool invocation. The allowlist is
// loaded once at boot; lookups take a read lock on a set that is not
// modified after construction.
type CommandValidator struct {
	mu           sync.RWMutex
	allowed      map[string]struct{}
	maxArgLength int
	log          logger.Logger
}

// NewCommandValidator builds a validator from an explicit allowlist.
func NewCommandValidator(allowedCommands []string, maxArgLength int, log logger.Logger) *CommandValidator {
	if maxArgLength <= 0 {
		maxArgLength = defaultMaxArgLength
	}
	if log == nil {
		log = logger.NoOp{}
	}
	set := make(map[string]struct{}, len(allowedCommands))
	for _, c := range allowedCommands {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return &CommandValidator{
		allowed:      set,
		maxArgLength: maxArgLength,
		log:          log.WithComponent("arbiter/security"),
	}
}

// LoadCommandValidator reads a JSON array of allowed base command names from
// path and builds a validator from it.
func LoadCommandValidator(path string, maxArgLength int, log logger.Logger) (*CommandValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist %s: %w", path, err)
	}
	var commands []string
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	return NewCommandValidator(commands, maxArgLength, log), nil
}

// IsCommandAllowed reports whether command's resolved base name is on the
// allowlist. The full path is reduced to its final element so that
// "/usr/bin/npm" and "npm" are judged identically.
func (v *CommandValidator) IsCommandAllowed(command string) bool {
	base := filepath.Base(strings.TrimSpace(command))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.allowed[base]
	return ok
}

// ArgumentViolation describes one rejected argument.
type ArgumentViolation struct {
	Index    int    `json:"index"`
	Argument string `json:"argument"`
	Reason   string `json:"reason"`
}

// ValidateArguments scans each argument for forbidden shell metacharacters
// and the length cap. It returns every violation found rather than stopping
// at the first, so a caller can report the full picture.
func (v *CommandValidator) ValidateArguments(args []string) (bool, []ArgumentViolation) {
	var violations []ArgumentViolation
	for i, arg := range args {
		if len(arg) > v.maxArgLength {
			violations = append(violations, ArgumentViolation{
				Index:    i,
				Argument: arg[:32] + "...",
				Reason:   fmt.Sprintf("argument exceeds length cap (%d > %d)", len(arg), v.maxArgLength),
			})
			continue
		}
		for _, bad := range forbiddenSubstrings {
			if strings.Contains(arg, bad) {
				violations = append(violations, ArgumentViolation{
					Index:    i,
					Argument: arg,
					Reason:   fmt.Sprintf("argument contains forbidden sequence %q", bad),
				})
				break
			}
		}
	}
	return len(violations) == 0, violations
}

// sensitiveEnvPatterns match environment variable names (upper-cased) that
// must never leak into a spawned process.
var sensitiveEnvPatterns = []func(string) bool{
	func(n string) bool { return strings.HasPrefix(n, "AWS_") },
	func(n string) bool { return strings.Contains(n, "PASSWORD") },
	func(n string) bool { return strings.Contains(n, "SECRET") },
	func(n string) bool { return strings.Contains(n, "TOKEN") },
	func(n string) bool { return strings.HasPrefix(n, "API_KEY") },
	func(n string) bool { return strings.Contains(n, "CREDENTIAL") },
	func(n string) bool { return strings.HasPrefix(n, "GH_") },
	func(n string) bool { return strings.HasPrefix(n, "NPM_") },
}

// preservedEnvNames are always kept, even if a sensitive pattern would have
// matched them, because downstream tooling cannot run without them.
var preservedEnvNames = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {}, "LANG": {},
	"NODE_ENV": {}, "GOPATH": {}, "TMPDIR": {}, "TERM": {},
}

// SanitizeEnvironment returns a copy of env with every sensitive variable
// removed. CAWS_-prefixed variables are the orchestrator's own namespace and
// pass through untouched.
func (v *CommandValidator) SanitizeEnvironment(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for name, value := range env {
		upper := strings.ToUpper(name)
		if _, ok := preservedEnvNames[upper]; ok {
			out[name] = value
			continue
		}
		if strings.HasPrefix(upper, "CAWS_") {
			out[name] = value
			continue
		}
		sensitive := false
		for _, match := range sensitiveEnvPatterns {
			if match(upper) {
				sensitive = true
				break
			}
		}
		if sensitive {
			v.log.Debug("stripped sensitive environment variable", logger.F("name", name))
			continue
		}
		out[name] = value
	}
	return out
}

// AllowedCommands returns a copy of the current allowlist, sorted order not
// guaranteed. Used by status endpoints.
func (v *CommandValidator) AllowedCommands() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.allowed))
	for c := range v.allowed {
		out = append(out, c)
	}
	return out
}
