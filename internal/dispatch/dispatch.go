// Package dispatch parses line-framed JSON requests, routes them by kind to
// the autocomplete/proactive/nl/error-correct/history-search pipelines, and
// assembles the JSON response. It owns the SessionBuffer and the
// RateLimiter exclusively, per the ownership rule in spec.md §3.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aishd/internal/cache"
	"aishd/internal/config"
	"aishd/internal/llmclient"
	"aishd/internal/logger"
	"aishd/internal/metrics"
	"aishd/internal/prompt"
	"aishd/internal/provider"
	"aishd/internal/ratelimit"
	"aishd/internal/safety"
	"aishd/internal/session"
)

// leadingSpaceTriggers is the operator-suffix trigger set: a suggestion
// starting with one of these after an alphanumeric/"_"/"-" buffer tail
// gets a single leading space prepended. This spec adopts the
// operator-suffix rule rather than the wider word-char-meeting-word-char
// variant; widen this set to loosen the rule.
const leadingSpaceTriggers = "-|>&;<()"

var codeFenceRe = regexp.MustCompile("(?s)^```(?:[a-zA-Z0-9_+-]*)\\n?(.*?)```\\s*$")

func isWordByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// historyResult is one element of a history_search response.
type historyResult struct {
	Command string  `json:"command"`
	Score   float64 `json:"score"`
}

// Dispatcher holds the request-kind-independent collaborators and the two
// pieces of per-process state it exclusively owns: the session buffer and
// the rate limiter.
type Dispatcher struct {
	cfg     *config.Manager
	client  *llmclient.Client
	metrics *metrics.Metrics
	logger  *logger.Logger

	promptBuilder *prompt.Builder
	sessionBuf    *session.Buffer
	limiter       *ratelimit.Limiter

	lastActivity atomic.Int64 // unix nanos, updated on every request

	providerMu  sync.Mutex
	currentBase string
	currentName string
	currentKey  string
}

// New builds a Dispatcher. cfg is consulted for provider endpoint/key/model
// on every request and for UI policy flags; client is the LLM façade this
// dispatcher drives; m may be nil.
func New(cfg *config.Manager, client *llmclient.Client, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:           cfg,
		client:        client,
		metrics:       m,
		logger:        log,
		promptBuilder: prompt.NewBuilder(prompt.DetectOS()),
		sessionBuf:    session.New(),
		limiter:       ratelimit.New(ratelimit.DefaultRPM),
	}
	d.lastActivity.Store(time.Now().UnixNano())
	d.syncProvider()
	return d
}

// LastActivity returns the unix-nano timestamp of the last processed
// request, for the socket server's idle-shutdown ticker.
func (d *Dispatcher) LastActivity() int64 { return d.lastActivity.Load() }

func (d *Dispatcher) touch() { d.lastActivity.Store(time.Now().UnixNano()) }

// syncProvider rebuilds the underlying Provider if the config's provider
// name/key/base URL changed since the last sync. Called on construction
// and on every reload_config.
func (d *Dispatcher) syncProvider() {
	v := d.cfg.View()
	d.providerMu.Lock()
	defer d.providerMu.Unlock()
	if v.ProviderName == d.currentName && v.APIKey == d.currentKey && v.APIBaseURL == d.currentBase {
		return
	}
	d.currentName = v.ProviderName
	d.currentKey = v.APIKey
	d.currentBase = v.APIBaseURL
	d.client.SetProvider(provider.New(provider.Config{
		Name:    v.ProviderName,
		APIKey:  v.APIKey,
		BaseURL: v.APIBaseURL,
	}))
}

// HandleLine decodes one newline-delimited JSON request, dispatches it, and
// returns the encoded response line (including trailing newline). A
// malformed JSON line yields ("", false): the caller logs and skips it,
// per spec.md §6 ("invalid JSON lines are logged and skipped").
func (d *Dispatcher) HandleLine(line []byte) ([]byte, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(line, &envelope); err != nil {
		if d.logger != nil {
			d.logger.Debugf("decode_line", "skipping malformed request line: %v", err)
		}
		return nil, false
	}

	d.touch()
	resp := d.handlePanicSafe(envelope)
	encoded, err := json.Marshal(resp)
	if err != nil {
		encoded, _ = json.Marshal(map[string]any{"type": "error", "message": "internal encoding error"})
	}
	return append(encoded, '\n'), true
}

// handlePanicSafe is the dispatcher boundary spec.md §7 calls out: an
// unexpected panic in a handler becomes a tagged error instead of crashing
// the connection.
func (d *Dispatcher) handlePanicSafe(envelope map[string]json.RawMessage) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			if d.logger != nil {
				d.logger.Errorf("handle_request", "recovered from panic: %v", r)
			}
			result = map[string]any{"type": "error", "message": fmt.Sprintf("internal error: %v", r)}
			if id := requestID(envelope); id != "" {
				result["request_id"] = id
			}
		}
	}()
	return d.handle(envelope)
}

func requestID(envelope map[string]json.RawMessage) string {
	var id string
	if raw, ok := envelope["request_id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	return id
}

func stringField(envelope map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := envelope[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func intField(envelope map[string]json.RawMessage, key string) int {
	var v int
	if raw, ok := envelope[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func stringSliceField(envelope map[string]json.RawMessage, key string) []string {
	var v []string
	if raw, ok := envelope[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func withRequestID(resp map[string]any, id string) map[string]any {
	if id != "" {
		resp["request_id"] = id
	}
	return resp
}

func (d *Dispatcher) handle(envelope map[string]json.RawMessage) map[string]any {
	kind := stringField(envelope, "type")
	id := requestID(envelope)
	shell := stringField(envelope, "shell")
	if shell == "" {
		shell = "zsh"
	}
	cwd := stringField(envelope, "cwd")
	history := stringSliceField(envelope, "history")

	if d.metrics != nil {
		d.metrics.RequestsTotal.Add(1)
	}

	switch kind {
	case "complete":
		if d.metrics != nil {
			d.metrics.RequestsComplete.Add(1)
		}
		return withRequestID(d.handleComplete(envelope, cwd, shell, history), id)
	case "nl":
		if d.metrics != nil {
			d.metrics.RequestsNL.Add(1)
		}
		return withRequestID(d.handleNL(envelope, cwd, shell, history), id)
	case "error_correct":
		if d.metrics != nil {
			d.metrics.RequestsErrorFix.Add(1)
		}
		return withRequestID(d.handleErrorCorrect(envelope, cwd, shell), id)
	case "history_search":
		if d.metrics != nil {
			d.metrics.RequestsHistory.Add(1)
		}
		return withRequestID(d.handleHistorySearch(envelope, shell, history), id)
	case "reload_config":
		if d.metrics != nil {
			d.metrics.RequestsReload.Add(1)
		}
		return withRequestID(d.handleReloadConfig(), id)
	default:
		return withRequestID(map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Unknown request type: %s", kind),
		}, id)
	}
}

func (d *Dispatcher) handleComplete(envelope map[string]json.RawMessage, cwd, shell string, history []string) map[string]any {
	buffer := stringField(envelope, "buffer")
	lastCommand := stringField(envelope, "last_command")
	lastOutput := stringField(envelope, "last_output")
	exitStatus := intField(envelope, "exit_status")

	if !d.limiter.Allow() {
		if d.metrics != nil {
			d.metrics.RateLimited.Add(1)
		}
		return map[string]any{"type": "complete", "suggestion": ""}
	}

	var suggestion string
	if buffer == "" && lastOutput != "" {
		suggestion = d.proactive(cwd, shell, history, lastCommand, lastOutput)
	} else {
		suggestion = d.autocomplete(cwd, shell, history, buffer, exitStatus)
	}

	resp := map[string]any{"type": "complete", "suggestion": suggestion}
	if suggestion != "" {
		if warning := safety.CheckDangerous(buffer + suggestion); warning != "" {
			resp["warning"] = warning
		}
	}
	return resp
}

func (d *Dispatcher) autocomplete(cwd, shell string, history []string, buffer string, exitStatus int) string {
	sanitizedHistory := safety.RedactAll(history)

	v := d.cfg.View()
	messages := []provider.Message{
		{Role: "system", Content: d.promptBuilder.AutocompleteSystem()},
		{Role: "user", Content: d.promptBuilder.AutocompleteUser(buffer, cwd, sanitizedHistory, shell, exitStatus)},
	}
	cacheKey := []string{"autocomplete", buffer, cwd}
	raw := d.client.Complete(context.Background(), messages, v.AutocompleteModel, llmclient.TimeoutAutocomplete, cacheKey)
	return postProcessSuggestion(raw, buffer, true)
}

func (d *Dispatcher) proactive(cwd, shell string, history []string, lastCommand, lastOutput string) string {
	if d.client.Health().IsHighLatency() {
		return ""
	}

	sanitizedHistory := safety.RedactAll(history)
	sanitizedOutput := safety.Redact(lastOutput)
	d.sessionBuf.Add(lastCommand, sanitizedOutput)

	v := d.cfg.View()
	messages := []provider.Message{
		{Role: "system", Content: d.promptBuilder.ProactiveSystem(d.sessionBuf.FormatForPrompt())},
		{Role: "user", Content: d.promptBuilder.ProactiveUser(cwd, sanitizedHistory, lastCommand, sanitizedOutput, shell)},
	}
	cacheKey := []string{"proactive", lastCommand, cwd, cache.Fingerprint(sanitizedOutput)}
	raw := d.client.Complete(context.Background(), messages, v.AutocompleteModel, llmclient.TimeoutAutocomplete, cacheKey)
	return postProcessSuggestion(raw, "", false)
}

// postProcessSuggestion applies the shared post-processing pipeline in
// order: trim trailing whitespace, conditionally prepend a leading space,
// strip code fences, truncate to the first line. withLeadingSpace is false
// on the proactive path, which has no buffer to follow.
func postProcessSuggestion(text, buffer string, withLeadingSpace bool) string {
	text = strings.TrimRight(text, " \t\r\n")
	if text == "" {
		return ""
	}

	if withLeadingSpace && buffer != "" {
		lastBufByte := buffer[len(buffer)-1]
		if isWordByte(lastBufByte) && strings.ContainsRune(leadingSpaceTriggers, rune(text[0])) {
			text = " " + text
		}
	}

	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return text
}

func (d *Dispatcher) handleNL(envelope map[string]json.RawMessage, cwd, shell string, history []string) map[string]any {
	promptText := stringField(envelope, "prompt")
	if promptText == "" {
		return map[string]any{"type": "nl", "command": ""}
	}
	buffer := stringField(envelope, "buffer")

	v := d.cfg.View()
	messages := []provider.Message{
		{Role: "system", Content: d.promptBuilder.AutocompleteSystem()},
		{Role: "user", Content: d.promptBuilder.NLCommandUser(promptText, cwd, buffer, safety.RedactAll(history), shell)},
	}
	raw := d.client.CompleteWithRetry(context.Background(), messages, v.Model, llmclient.TimeoutNL, 1, 500*time.Millisecond)
	command := postProcessSuggestion(raw, "", false)

	resp := map[string]any{"type": "nl", "command": command}
	if command != "" {
		if warning := safety.CheckDangerous(command); warning != "" {
			resp["warning"] = warning
		}
	}
	return resp
}

func (d *Dispatcher) handleErrorCorrect(envelope map[string]json.RawMessage, cwd, shell string) map[string]any {
	failedCommand := stringField(envelope, "failed_command")
	if failedCommand == "" {
		return map[string]any{"type": "error_correct", "suggestion": ""}
	}
	exitStatus := intField(envelope, "exit_status")
	stderr := safety.Redact(stringField(envelope, "stderr"))

	v := d.cfg.View()
	messages := []provider.Message{
		{Role: "system", Content: d.promptBuilder.AutocompleteSystem()},
		{Role: "user", Content: d.promptBuilder.ErrorCorrectionUser(failedCommand, exitStatus, stderr, cwd, shell)},
	}
	raw := d.client.Complete(context.Background(), messages, v.Model, llmclient.TimeoutAutocomplete, nil)
	suggestion := strings.TrimRight(raw, " \t\r\n")
	if m := codeFenceRe.FindStringSubmatch(suggestion); m != nil {
		suggestion = strings.TrimSpace(m[1])
	}
	if idx := strings.IndexByte(suggestion, '\n'); idx >= 0 {
		suggestion = suggestion[:idx]
	}

	resp := map[string]any{"type": "error_correct", "suggestion": suggestion}
	if suggestion != "" {
		if warning := safety.CheckDangerous(suggestion); warning != "" {
			resp["warning"] = warning
		}
	}
	return resp
}

func (d *Dispatcher) handleHistorySearch(envelope map[string]json.RawMessage, shell string, history []string) map[string]any {
	query := stringField(envelope, "query")
	if query == "" || len(history) == 0 {
		return map[string]any{"type": "history_search", "results": []historyResult{}}
	}

	v := d.cfg.View()
	messages := []provider.Message{
		{Role: "system", Content: d.promptBuilder.AutocompleteSystem()},
		{Role: "user", Content: d.promptBuilder.HistorySearchUser(query, safety.RedactAll(history), shell)},
	}
	raw := d.client.CompleteWithRetry(context.Background(), messages, v.Model, llmclient.TimeoutHistory, 1, 500*time.Millisecond)

	var results []historyResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &results); err != nil {
		return map[string]any{"type": "history_search", "results": []historyResult{}}
	}
	return map[string]any{"type": "history_search", "results": results}
}

func (d *Dispatcher) handleReloadConfig() map[string]any {
	if err := d.cfg.Reload(); err != nil {
		return map[string]any{"type": "reload_config", "ok": false, "message": err.Error()}
	}
	d.syncProvider()
	logger.SetAllLevels(d.cfg.View().LogLevel)
	return map[string]any{"type": "reload_config", "ok": true}
}
