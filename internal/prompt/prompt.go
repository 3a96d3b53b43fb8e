// Package prompt builds the deterministic (system, user) message pairs sent
// to the LLM provider for each request kind. Templates are plain string
// formatting — no templating library is warranted for blocks this short and
// this static, matching the teacher's own preference for fmt.Sprintf-built
// strings over a template engine.
package prompt

import (
	"fmt"
	"runtime"
	"strings"
)

// Message is one chat message in the wire format shared by both provider
// dialects.
type Message struct {
	Role    string
	Content string
}

// DetectOS returns a short OS identifier for the system prompt, detected
// once at process start and threaded into a Builder rather than
// re-detected per request (the OS cannot change mid-process).
func DetectOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	default:
		return runtime.GOOS
	}
}

const rulesBlock = `You are an expert shell assistant. The user is on %s.
You help with shell commands — completions, corrections, and generation.
RULES:
- Return ONLY the requested output (command, completion suffix, etc.)
- NO explanations, NO markdown, NO commentary
- If unsure, return an empty string
- Never suggest commands that would be destructive without clear user intent
- Preserve the user's command style (quoting, flag style, etc.)`

// Builder produces message pairs for a fixed OS identifier, captured once at
// construction.
type Builder struct {
	osName string
}

// NewBuilder returns a Builder that embeds the given OS identifier (see
// DetectOS) in every system prompt it produces.
func NewBuilder(osName string) *Builder {
	return &Builder{osName: osName}
}

func (b *Builder) systemPrompt() string {
	return fmt.Sprintf(rulesBlock, b.osName)
}

// AutocompleteSystem returns the static system prompt used by the
// autocomplete, nl, and error-correction paths.
func (b *Builder) AutocompleteSystem() string {
	return b.systemPrompt()
}

// ProactiveSystem returns the system prompt for a proactive suggestion,
// with an appended "Recent session:" block when sessionText is non-empty.
func (b *Builder) ProactiveSystem(sessionText string) string {
	base := b.systemPrompt()
	if sessionText == "" {
		return base
	}
	return base + "\n\nRecent session:\n" + sessionText
}

func tail(items []string, n int) string {
	if len(items) == 0 {
		return "(none)"
	}
	if len(items) > n {
		items = items[len(items)-n:]
	}
	return strings.Join(items, "\n")
}

// AutocompleteUser builds the user prompt for a regular (non-proactive)
// completion request. History is truncated to the last 5 commands.
func (b *Builder) AutocompleteUser(buffer, cwd string, history []string, shell string, exitStatus int) string {
	return fmt.Sprintf(`Shell: %s
Working directory: %s
Recent commands:
%s
Last exit status: %d

The user has typed: %s
Return ONLY the completion suffix — the exact text to append directly after what they typed.
Include a leading space if one is needed (e.g. to separate a command from its arguments).
Do not repeat what they already typed.
Return empty string if no useful completion exists.`, shell, cwd, tail(history, 5), exitStatus, buffer)
}

// ProactiveUser builds the user prompt for a proactive suggestion.
// History is truncated to the last 5 commands.
func (b *Builder) ProactiveUser(cwd string, history []string, lastCommand, lastOutput, shell string) string {
	return fmt.Sprintf(`Shell: %s
Working directory: %s
Recent commands:
%s

Last command: %s
Its output (last 50 lines):
%s

The user's prompt is empty. Suggest the single most likely next command they would want to run.
Return ONLY the command. Return an empty string if nothing is clearly suggested.`, shell, cwd, tail(history, 5), lastCommand, lastOutput)
}

// NLCommandUser builds the user prompt for natural-language command
// construction. History is truncated to the last 10 commands.
func (b *Builder) NLCommandUser(userPrompt, cwd, buffer string, history []string, shell string) string {
	context := ""
	if buffer != "" {
		context = fmt.Sprintf("\nPartial command already typed: %q", buffer)
	}
	return fmt.Sprintf(`Shell: %s
Working directory: %s
Recent commands:
%s
%s
User request: %s

Generate ONLY the shell command. No explanation.`, shell, cwd, tail(history, 10), context, userPrompt)
}

// ErrorCorrectionUser builds the user prompt for error-correction requests.
func (b *Builder) ErrorCorrectionUser(failedCommand string, exitStatus int, stderr, cwd, shell string) string {
	return fmt.Sprintf(`Shell: %s
Working directory: %s

Failed command: %s
Exit status: %d
Error output:
%s

Return ONLY the corrected command. If you can't determine the fix, return an empty string.`, shell, cwd, failedCommand, exitStatus, stderr)
}

// HistorySearchUser builds the user prompt for history-search requests.
// The full history is included (most recent last), per spec.
func (b *Builder) HistorySearchUser(query string, history []string, shell string) string {
	return fmt.Sprintf(`Shell: %s

User is searching their history for: %s

Shell history (most recent last):
%s

Return a JSON array of the most relevant commands, ranked by relevance.
Format: [{"command": "...", "score": 0.95}, ...]
Return at most 10 results. Only include commands that match the user's intent.
If nothing matches, return an empty array: []`, shell, query, strings.Join(history, "\n"))
}
