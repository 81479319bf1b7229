// Package main provides the entry point for the Kiro gateway server. The
// server exposes a Claude-compatible chat API backed by the Kiro/
// CodeWhisperer upstream, managing OAuth credentials and protocol
// translation transparently.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kirogate/kirogate/internal/api"
	kiroauth "github.com/kirogate/kirogate/internal/auth/kiro"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/logging"
	"github.com/kirogate/kirogate/internal/runtime/executor"
)

var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	var port int
	var debugMode bool
	var forceRefresh bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.IntVar(&port, "port", 0, "listen port override")
	flag.BoolVar(&debugMode, "debug", false, "enable debug logging")
	flag.BoolVar(&forceRefresh, "force-refresh", false, "refresh credentials on startup")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debugf("no .env file loaded: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if port > 0 {
		cfg.Port = port
	}
	logging.SetupBaseLogger(cfg.LogFile, debugMode)
	log.Infof("kiro gateway %s (built %s) starting", Version, BuildDate)

	tokens := kiroauth.NewTokenStore(kiroauth.Options{
		CredsDirPath:  cfg.Kiro.CredsDirPath,
		CredsFilePath: cfg.Kiro.CredsFilePath,
		CredsBase64:   cfg.Kiro.CredsBase64,
		NearMinutes:   cfg.Kiro.NearMinutes,
	})
	cfg.Kiro.CredsBase64 = ""
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = tokens.Initialize(ctx, forceRefresh); err != nil {
		log.Fatalf("credential initialization failed: %v", err)
	}

	exec := executor.NewKiroExecutor(cfg, tokens)
	engine := api.NewEngine(cfg, exec)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("listening on %s", server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Fatalf("server error: %v", errServe)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}
