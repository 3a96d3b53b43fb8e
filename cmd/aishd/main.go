// Command aishd is the shell-assistant daemon: a persistent, user-local
// process that mediates between a terminal shell client and a remote LLM
// provider (OpenAI- or Anthropic-style) over a local Unix domain socket.
//
// It takes no command-line flags; all configuration is read from the TOML
// file in the user's config directory (or its built-in defaults) and from
// the <PRODUCT>_API_KEY and <PRODUCT>_LOG_LEVEL environment variable
// overrides.
//
// Usage:
//
//	./aishd
//
// The daemon terminates on SIGTERM/SIGINT or after 30 minutes of inactivity;
// shell integrations are expected to reconnect and auto-start it on demand.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"aishd/internal/config"
	"aishd/internal/dispatch"
	"aishd/internal/llmclient"
	"aishd/internal/logger"
	"aishd/internal/metrics"
	"aishd/internal/provider"
	"aishd/internal/socketsrv"
)

const product = "aish"

func main() {
	// No ConfigView exists yet, so the bootstrap logger falls back to the
	// AISH_LOG_LEVEL env var; every logger created after the config loads
	// uses its log_level instead, and reload_config retargets all of them.
	log := logger.New("DAEMON", os.Getenv("AISH_LOG_LEVEL"))

	configPath := filepath.Join(config.ConfigDir(product), "config.toml")
	cfgMgr, err := config.NewManager(configPath, "AISH")
	if err != nil {
		log.Errorf("startup", "failed to load config: %v", err)
		os.Exit(1)
	}

	m := metrics.New()

	v := cfgMgr.View()
	log.SetLevel(v.LogLevel)
	p := provider.New(provider.Config{
		Name:    v.ProviderName,
		APIKey:  v.APIKey,
		BaseURL: v.APIBaseURL,
	})
	client := llmclient.New(p, m)

	dispatcher := dispatch.New(cfgMgr, client, m, logger.New("DISPATCH", v.LogLevel))

	socketPath := config.SocketPath(product)
	pidPath := config.PIDPath(product)
	srv := socketsrv.New(socketPath, pidPath, dispatcher, logger.New("SOCKET", v.LogLevel), m)

	printBanner(configPath, socketPath, v)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Infof("shutdown", "received shutdown signal")
		srv.Shutdown()
	}()

	log.Infof("startup", "listening on %s", socketPath)
	if err := srv.ListenAndServe(); err != nil {
		log.Errorf("startup", "fatal: %v", err)
		os.Exit(1)
	}
}

func printBanner(configPath, socketPath string, v *config.View) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          aish shell-assistant daemon                 ║
╚══════════════════════════════════════════════════════╝
  Config file     : %s
  Socket          : %s
  Provider        : %s
  Model           : %s
  Autocomplete    : %s

`, configPath, socketPath, v.ProviderName, v.Model, v.AutocompleteModel)
}
