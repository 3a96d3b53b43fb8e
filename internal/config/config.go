// Package config loads provider/UI configuration from a TOML file, layers
// environment overrides on top, and exposes the result as an immutable
// snapshot (ConfigView) that can be swapped atomically on reload_config.
// Settings are layered: defaults → config file → environment variables
// (env vars win), matching the daemon's original layering order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
)

// ProviderConfig is the [provider] table.
type ProviderConfig struct {
	Name              string `toml:"name"`
	APIKey            string `toml:"api_key"`
	APIBaseURL        string `toml:"api_base_url"`
	Model             string `toml:"model"`
	AutocompleteModel string `toml:"autocomplete_model"`
}

// EffectiveAPIBaseURL returns api_base_url if set, else the well-known
// default endpoint for the configured provider name.
func (p ProviderConfig) EffectiveAPIBaseURL() string {
	if p.APIBaseURL != "" {
		return p.APIBaseURL
	}
	if p.Name == "anthropic" {
		return "https://api.anthropic.com"
	}
	return "https://api.openai.com/v1"
}

// EffectiveAutocompleteModel returns autocomplete_model if set, else model.
func (p ProviderConfig) EffectiveAutocompleteModel() string {
	if p.AutocompleteModel != "" {
		return p.AutocompleteModel
	}
	return p.Model
}

// UIConfig is the [ui] table. The daemon never acts on these beyond holding
// and returning them in the snapshot — they are consumed by the shell-side
// client, which is out of scope for this core — but the server still
// reloads and serves the current values on reload_config.
type UIConfig struct {
	AutocompleteDelayMs        int      `toml:"autocomplete_delay_ms"`
	AutocompleteDelayShortMs   int      `toml:"autocomplete_delay_short_ms"`
	AutocompleteDelayThreshold int      `toml:"autocomplete_delay_threshold"`
	AutocompleteMinChars       int      `toml:"autocomplete_min_chars"`
	NLHotkey                   string   `toml:"nl_hotkey"`
	HistorySearchHotkey        string   `toml:"history_search_hotkey"`
	CheatSheetHotkey           string   `toml:"cheat_sheet_hotkey"`
	HistorySearchLimit         int      `toml:"history_search_limit"`
	ErrorCorrection            bool     `toml:"error_correction"`
	ProactiveSuggestions       bool     `toml:"proactive_suggestions"`
	ProactiveOutputLines       int      `toml:"proactive_output_lines"`
	ProactiveCaptureBlocklist  []string `toml:"proactive_capture_blocklist"`
}

// defaultCaptureBlocklist names interactive programs whose output should
// not feed the proactive suggestion pipeline.
var defaultCaptureBlocklist = []string{
	"vim", "nvim", "vi", "nano", "emacs", "pico",
	"less", "more", "most", "bat",
	"top", "htop", "btop", "glances",
	"tmux", "screen", "ssh", "mosh",
	"python", "ipython", "node", "irb", "ghci",
	"fzf", "sk", "man", "info", "watch",
}

// DaemonConfig is the [daemon] table: process-level settings that aren't
// tied to a provider or the UI client.
type DaemonConfig struct {
	LogLevel string `toml:"log_level"`
}

// fileConfig is the root TOML document shape.
type fileConfig struct {
	Provider ProviderConfig `toml:"provider"`
	UI       UIConfig       `toml:"ui"`
	Daemon   DaemonConfig   `toml:"daemon"`
}

// View is the immutable snapshot handed to readers: C7 reads Provider-
// derived fields (endpoint, key, model); C9 reads UI policy flags and
// LogLevel (to retarget every live logger on reload_config).
type View struct {
	ProviderName      string
	APIKey            string
	APIBaseURL        string
	Model             string
	AutocompleteModel string
	LogLevel          string
	UI                UIConfig
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Provider: ProviderConfig{
			Name:  "openai",
			Model: "gpt-4o",
		},
		Daemon: DaemonConfig{
			LogLevel: "info",
		},
		UI: UIConfig{
			AutocompleteDelayMs:        200,
			AutocompleteDelayShortMs:   100,
			AutocompleteDelayThreshold: 8,
			AutocompleteMinChars:       3,
			NLHotkey:                   "^G",
			HistorySearchHotkey:        "^R",
			CheatSheetHotkey:           "^_",
			HistorySearchLimit:         500,
			ErrorCorrection:            true,
			ProactiveSuggestions:       true,
			ProactiveOutputLines:       50,
			ProactiveCaptureBlocklist:  append([]string(nil), defaultCaptureBlocklist...),
		},
	}
}

func toView(fc fileConfig) *View {
	name := fc.Provider.Name
	if name == "" {
		name = "openai"
	}
	fc.Provider.Name = name
	logLevel := fc.Daemon.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	return &View{
		ProviderName:      name,
		APIKey:            fc.Provider.APIKey,
		APIBaseURL:        fc.Provider.EffectiveAPIBaseURL(),
		Model:             fc.Provider.Model,
		AutocompleteModel: fc.Provider.EffectiveAutocompleteModel(),
		LogLevel:          logLevel,
		UI:                fc.UI,
	}
}

// Manager owns the atomically-swapped snapshot and the path it was loaded
// from, so Reload can re-read the same file. ConfigView is read-heavy,
// write-rare: readers always get a consistent snapshot for the duration of
// one request, the swap itself is the only mutation.
type Manager struct {
	path       string
	envProduct string
	current    atomic.Pointer[View]
}

// NewManager loads path (TOML) layered under defaults and over envProduct's
// <PRODUCT>_API_KEY override, e.g. envProduct "AISH" consults AISH_API_KEY.
// A missing file is not an error: defaults apply.
func NewManager(path, envProduct string) (*Manager, error) {
	m := &Manager{path: path, envProduct: envProduct}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload reparses the file from disk, re-applies the env override, and
// atomically swaps the snapshot. Safe to call concurrently with readers.
func (m *Manager) Reload() error {
	fc := defaultFileConfig()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read config %s: %w", m.path, err)
		}
	} else {
		parsed := defaultFileConfig()
		if err := toml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("parse config %s: %w", m.path, err)
		}
		fc = parsed
	}

	if len(fc.UI.ProactiveCaptureBlocklist) == 0 {
		fc.UI.ProactiveCaptureBlocklist = append([]string(nil), defaultCaptureBlocklist...)
	}

	if key := os.Getenv(m.envProduct + "_API_KEY"); key != "" {
		fc.Provider.APIKey = key
	}
	if level := os.Getenv(m.envProduct + "_LOG_LEVEL"); level != "" {
		fc.Daemon.LogLevel = level
	}

	m.current.Store(toView(fc))
	return nil
}

// View returns the current immutable snapshot.
func (m *Manager) View() *View {
	return m.current.Load()
}

func socketDir() string {
	return os.TempDir()
}

// SocketPath returns the well-known Unix socket path for product name,
// e.g. "aish" → "$XDG_RUNTIME_DIR/aish.sock" or "/tmp/aish-<uid>.sock".
func SocketPath(product string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, product+".sock")
	}
	return filepath.Join(socketDir(), product+"-"+strconv.Itoa(os.Getuid())+".sock")
}

// PIDPath returns the sibling PID file path for product name.
func PIDPath(product string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, product+".pid")
	}
	return filepath.Join(socketDir(), product+"-"+strconv.Itoa(os.Getuid())+".pid")
}

// ConfigDir returns the directory config files live in: XDG_CONFIG_HOME or
// ~/.config/<product>.
func ConfigDir(product string) string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, product)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+product)
	}
	return filepath.Join(home, ".config", product)
}
