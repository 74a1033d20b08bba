package schema

import (
	"strings"
	"unicode"
)

// NormalizeSandboxState upper-cases a reported state. Unknown states are
// kept verbatim so they can still be displayed.
func NormalizeSandboxState(value string) SandboxState {
	return SandboxState(strings.ToUpper(strings.TrimSpace(value)))
}

// Terminal reports whether the sandbox can no longer run commands.
func (s SandboxState) Terminal() bool {
	return s == SandboxDestroyed || s == SandboxError
}

// ValidateSandboxID ensures a sandbox id is non-empty and URL path safe.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-'.
func ValidateSandboxID(id SandboxID) error {
	raw := string(id)
	if raw == "" || strings.TrimSpace(raw) != raw {
		return ErrInvalidSandbox
	}
	for _, r := range raw {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		return ErrInvalidSandbox
	}
	if raw == "." || raw == ".." {
		return ErrInvalidSandbox
	}
	return nil
}
