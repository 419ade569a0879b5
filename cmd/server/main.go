package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"

	"github.com/real-rm/dealroom"
	"github.com/real-rm/dealroom/internal/constants"
)

// loadConfiguration loads the configuration and returns the config accessor
func loadConfiguration() (*goconfig.ConfigAccessor, error) {
	if err := goconfig.LoadConfig(); err != nil {
		return nil, err
	}

	cfg, err := goconfig.Default()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// initializeLogger initializes the logger with the given configuration
func initializeLogger(cfg *goconfig.ConfigAccessor) (*golog.Logger, error) {
	logDir, _ := cfg.ConfigStringWithDefault("log.dir", constants.DefaultLogDir)
	logLevel, _ := cfg.ConfigStringWithDefault("log.level", constants.DefaultLogLevel)
	standardOutput, _ := cfg.ConfigBoolWithDefault("log.standardOutput", true)

	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            logDir,
		Level:          logLevel,
		StandardOutput: standardOutput,
		InfoFile:       "info.log",
		WarnFile:       "warn.log",
		ErrorFile:      "error.log",
	})
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// getServerPort retrieves the server port from configuration
func getServerPort(cfg *goconfig.ConfigAccessor) int {
	port, _ := cfg.ConfigIntWithDefault("server.port", constants.DefaultPort)
	return port
}

// initializeMongo connects to MongoDB only when the history database has a
// [dbs.<name>] section. Without it connection history stays disabled.
func initializeMongo(cfg *goconfig.ConfigAccessor, logger *golog.Logger) *gomongo.Mongo {
	dbName, _ := cfg.ConfigStringWithDefault("dealroom.history_db", constants.DefaultHistoryDatabase)
	uri, _ := cfg.ConfigStringWithDefault("dbs."+dbName+".uri", "")
	if uri == "" {
		logger.Info("No MongoDB configured for connection history", "database", dbName)
		return nil
	}

	mongo, err := gomongo.InitMongoDB(logger, cfg)
	if err != nil {
		logger.Warn("MongoDB unavailable, connection history disabled", "error", err)
		return nil
	}
	return mongo
}

// setupSignalHandler sets up signal handling for graceful shutdown
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
// WriteTimeout stays zero: upgraded connections are long-lived and set their
// own per-frame write deadline.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: constants.HTTPReadTimeout,
		IdleTimeout: constants.HTTPIdleTimeout,
	}
}

// runWithSignalChannel is a testable version of run that accepts a signal channel
func runWithSignalChannel(sigChan chan os.Signal) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if err := dealroom.Register(router, cfg, logger, initializeMongo(cfg, logger)); err != nil {
		return fmt.Errorf("register dealroom: %w", err)
	}

	port := getServerPort(cfg)
	server := NewHTTPServer(fmt.Sprintf(":%d", port), router)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
			logger.Error("HTTP server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownWait)
	defer cancel()

	// WebSocket connections are hijacked, so the HTTP server shutdown does
	// not wait for them; the dealroom shutdown retires them.
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := dealroom.Shutdown(ctx); err != nil {
		logger.Warn("Dealroom shutdown incomplete", "error", err)
	}
	logger.Info("Server stopped")
	return runErr
}

func main() {
	if err := runMain(); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runMain is the testable main function
func runMain() error {
	sigChan := setupSignalHandler()
	return runWithSignalChannel(sigChan)
}
