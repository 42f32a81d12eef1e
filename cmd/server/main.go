package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chat-relay/internal"
	"chat-relay/proxy"
	"chat-relay/relay"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"chat-relay/storage"
	"chat-relay/transport"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so deferred cleanups execute before exit.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log := logs.GetLoggerFromString(config.LogLevel)
	ctx := context.Background()

	// 2. Persistence (SQLite + audio blob store)
	if err := os.MkdirAll(filepath.Dir(config.DatabaseFilepath), 0o755); err != nil {
		return exitRuntime, fmt.Errorf("creating storage dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(config.DatabaseFilepath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing database...")
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	audioStore, err := storage.NewAudioStore(config.AudioDir)
	if err != nil {
		return exitRuntime, err
	}
	history, err := repositories.NewHistory(db, audioStore, log)
	if err != nil {
		return exitRuntime, err
	}

	// 3. Core routing state, hydrated before any connection is accepted
	directory := runtime.NewDirectory()
	groups := runtime.NewGroupTable()
	router := runtime.NewRouter(log, directory, groups, history)
	if err := router.Hydrate(); err != nil {
		return exitRuntime, err
	}

	// 4. Listening sockets. Failure to bind any primary socket is the only
	// unrecoverable startup error.
	controlListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.Host, config.ChatPort))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to bind control socket: %w", err)
	}
	relayConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", config.Host, config.RelayPort))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to bind relay socket: %w", err)
	}
	proxyListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.Host, config.ProxyPort))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to bind proxy socket: %w", err)
	}

	// 5. Workers under supervision
	codec := transport.NewCodec(config.MaxFrameSize)
	chatService := services.NewChatService(log, router, history, audioStore)

	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(transport.NewControlServer(log, controlListener, codec, router))
	sup.Add(relay.NewRelay(log, relayConn))
	sup.Add(proxy.NewListener(log, proxyListener, chatService))
	sup.Add(workers.NewTelemetryWorker(log, directory, config.TelemetryInterval))

	// 6. Context & Signals
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		log.Info("Starting supervisor and all workers")
		sup.Run(ctx)
		close(done)
	}()

	// 7. Wait for a shutdown signal, then let workers drain
	<-ctx.Done()
	log.Info("Shutdown signal received")
	sup.Stop()
	<-done
	log.Info("Program stopped cleanly")

	return exitOK, nil
}
