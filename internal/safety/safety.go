// Package safety implements the two pure checks applied to every command
// and every piece of context that crosses the boundary to or from the LLM
// provider: secret redaction on egress, and dangerous-command flagging on
// suggestions coming back.
//
// Both operations are table-driven over an ordered list of compiled
// patterns, compiled once at package init and never hot-reloaded — mirroring
// the compile-once-ordered-pattern design used throughout this codebase's
// ancestry for PII detection.
package safety

import "regexp"

// secretPattern pairs a compiled regex with the literal replacement to run
// through ReplaceAllString. Patterns with a single capture group preserve
// that group (typically a "key=" prefix) and redact only the value;
// patterns with no groups are replaced outright.
type secretPattern struct {
	re          *regexp.Regexp
	replacement string
}

// secretPatterns is ordered specific-before-generic: a concrete token shape
// like "sk-ant-..." must be tried before the generic "api_key=..." form so
// it isn't partially consumed by the generic pattern first.
var secretPatterns = []secretPattern{
	// Anthropic keys before the generic OpenAI-style sk- prefix they'd
	// otherwise also match.
	{regexp.MustCompile(`(?i)sk-ant-[a-zA-Z0-9_-]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)ghp_[a-zA-Z0-9]{36,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)gho_[a-zA-Z0-9]{36,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)xoxb-[a-zA-Z0-9-]+`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)xoxp-[a-zA-Z0-9-]+`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)AKIA[A-Z0-9]{16}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)(Bearer\s+)[a-zA-Z0-9._-]{20,}`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)['"]?[a-zA-Z0-9_-]{16,}['"]?`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(token\s*[=:]\s*)['"]?[a-zA-Z0-9_-]{16,}['"]?`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(password\s*[=:]\s*)['"]?\S+['"]?`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(secret\s*[=:]\s*)['"]?[a-zA-Z0-9_-]{16,}['"]?`), "${1}[REDACTED]"},
}

// Redact replaces every secret-shaped substring of text with "[REDACTED]",
// preserving any "key=" style prefix. Redact is idempotent: running it twice
// produces the same result as running it once, since a redacted value no
// longer matches any pattern in the list.
func Redact(text string) string {
	for _, p := range secretPatterns {
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return text
}

// RedactAll applies Redact to every element of a slice, returning a new
// slice. Used for sanitizing shell history before it is embedded in a
// prompt.
func RedactAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = Redact(s)
	}
	return out
}

// dangerPattern pairs a compiled regex with a human-readable description of
// the hazard it flags.
type dangerPattern struct {
	re   *regexp.Regexp
	desc string
}

// dangerousPatterns is checked in order; the first match wins. No command is
// ever blocked here — callers only attach the description as a warning.
var dangerousPatterns = []dangerPattern{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-zA-Z]*f[a-zA-Z]*\s+|--force\s+).*(/|~|\$HOME)`),
		"Recursive force-delete on important path"},
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/\s*$`),
		"rm -rf /"},
	{regexp.MustCompile(`\bmkfs\b`),
		"Filesystem format"},
	{regexp.MustCompile(`\bdd\s+if=`),
		"Raw disk write"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;`),
		"Fork bomb"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?[0-7]*777\s+/`),
		"Recursive chmod 777 on root"},
	{regexp.MustCompile(`\bchown\s+-[a-zA-Z]*R`),
		"Recursive chown"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`),
		"Direct write to block device"},
	{regexp.MustCompile(`\bcurl\b.*\|\s*(sudo\s+)?(ba)?sh`),
		"Pipe curl to shell"},
	{regexp.MustCompile(`\bwget\b.*\|\s*(sudo\s+)?(ba)?sh`),
		"Pipe wget to shell"},
}

// CheckDangerous returns the description of the first dangerous pattern
// matched in command, or "" if none match. The caller attaches this as a
// warning; it never prevents the command from being returned.
func CheckDangerous(command string) string {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(command) {
			return p.desc
		}
	}
	return ""
}
