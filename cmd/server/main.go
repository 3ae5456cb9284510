// Command server runs the REST backend that owns the canonical property
// document and the live AEDT session.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"aedthub/internal/aedt"
	"aedthub/internal/config"
	"aedthub/internal/logging"
	"aedthub/internal/properties"
	"aedthub/internal/server"
	"aedthub/internal/session"
	"aedthub/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or TOML config override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	verr := cfg.Validate()

	logCfg := logging.DefaultConfig("backend")
	logCfg.DevMode = cfg.Debug
	if cfg.LogFile != "" {
		// log_file names a file; the rotating handler owns naming, so only
		// the directory is honored.
		logCfg.LogDir = filepath.Dir(cfg.LogFile)
	}
	if err := logging.Init(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	if verr != nil && verr.HasWarnings() {
		for _, w := range verr.Warnings {
			logging.Warn("Config adjusted", "warning", w)
		}
	}

	props, err := properties.New(cfg.PropertyDefaults())
	if err != nil {
		logging.Error("Invalid property defaults", "error", err)
		os.Exit(1)
	}

	desktop, err := aedt.NewDesktop(cfg.PythonPath, cfg.BridgePath)
	if err != nil {
		logging.Error("Could not start scripting bridge", "error", err)
		os.Exit(1)
	}
	defer desktop.Close()

	facade := session.New(props, desktop)
	coord := worker.New(props)
	srv := server.New(props, coord, facade)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logging.Info("Shutting down", "signal", sig.String())
		facade.Release(false, false)
		if err := srv.Stop(); err != nil {
			logging.Error("Shutdown error", "error", err)
		}
	}()

	logging.Info("Backend starting", "addr", cfg.Addr(), "toolkit", cfg.ToolkitName)
	if err := srv.Start(cfg.Addr()); err != nil {
		// Shutdown reports http.ErrServerClosed through ListenAndServe.
		logging.Info("Backend stopped", "reason", err.Error())
	}
}
