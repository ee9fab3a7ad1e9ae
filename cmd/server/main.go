package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	multimodalchat "github.com/MegaGrindStone/multimodal-chat"
	"github.com/MegaGrindStone/multimodal-chat/internal/handlers"
	"github.com/MegaGrindStone/multimodal-chat/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	appDirName = "multimodalchat"
	configEnv  = "MULTIMODALCHAT_CONFIG"
)

func main() {
	// A missing .env is fine, the variables may come from the environment itself.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, appDirName)
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := os.Getenv(configEnv)
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(appDir, "config.yaml")
	}
	cfg, err := loadConfig(cfgFilePath, filepath.Join(appDir, "secrets.toml"))
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))

	ctx := context.Background()

	llm, err := cfg.LLM.llm(ctx, cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm: %w", err))
	}
	titleGen, err := cfg.LLM.titleGen(ctx, cfg.TitleGeneratorPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating title generator: %w", err))
	}

	store, closeStore, err := newStore(cfg, appDir)
	if err != nil {
		log.Fatal(err)
	}

	m, err := handlers.NewMain(llm, titleGen, store, logger,
		handlers.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		handlers.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("store", cfg.Store))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	if err := closeStore.Close(); err != nil {
		logger.Error("Failed to close store", slog.String("err", err.Error()))
	}
}

// loadConfig reads config.yaml from cfgPath and fills in defaults and the credentials kept in
// secretsPath. Both files are optional, the defaults talk to Bedrock with an in-memory store.
func loadConfig(cfgPath, secretsPath string) (config, error) {
	var cfg config

	cfgFile, err := os.Open(cfgPath)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("invalid config: %w", err)
	}

	s, err := loadSecrets(secretsPath)
	if err != nil {
		return config{}, err
	}
	cfg.applySecrets(s)

	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newStore(cfg config, dir string) (handlers.Store, io.Closer, error) {
	if cfg.Store == storeBolt {
		boltDB, err := services.NewBoltDB(filepath.Join(dir, "store.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("error opening bolt store: %w", err)
		}
		return boltDB, boltDB, nil
	}
	return services.NewMemoryStore(), nopCloser{}, nil
}

func newRouter(m handlers.Main) http.Handler {
	staticFS, err := fs.Sub(multimodalchat.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	r.Get("/", m.HandleHome)
	r.HandleFunc("/chats", m.HandleChats)
	r.Get("/sse/messages", m.HandleSSE)
	r.Get("/sse/chats", m.HandleSSE)

	return r
}
