package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/toba/stitch/internal/config"
	"github.com/toba/stitch/internal/engine"
	"github.com/toba/stitch/internal/mirror"
	"github.com/toba/stitch/internal/mirror/github"
	"github.com/toba/stitch/internal/pattern"
	"github.com/toba/stitch/internal/store"
	"github.com/toba/stitch/internal/watch"
	"github.com/toba/stitch/internal/webhook"
)

// lockFileName guards the store so only one watch daemon owns it.
const lockFileName = ".stitch.lock"

var watchLogFile string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the store and markdown tree, syncing on change",
	Long: `Runs until interrupted. File changes are debounced into sync passes
and the report is recompiled after each pass. With a github section
configured and credentials in the environment, a webhook server mirrors
GitHub issue events into the store.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "append daemon logs to this file (rotated)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := pattern.Compile(cfg.Pattern)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}

	storeDir := cfg.ResolveStoreDir()
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return runtimeErr(err)
	}

	lock := flock.New(filepath.Join(storeDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return runtimeErr(fmt.Errorf("acquiring store lock: %w", err))
	}
	if !locked {
		return runtimeErr(fmt.Errorf("another stitch watch process owns %s", storeDir))
	}
	defer lock.Unlock()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if watchLogFile != "" {
		logger = log.New(&lumberjack.Logger{
			Filename:   watchLogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}, "", log.LstdFlags)
	}

	s := store.Open(storeDir)
	s.SetWarnWriter(logger.Writer())
	eng := engine.New(s, cfg.ResolveTodoDir(), p, cfg.EngineOptions())
	eng.SetWarnWriter(logger.Writer())

	syncFn := func() error {
		result, err := eng.Run()
		if err != nil {
			return err
		}
		logger.Printf("sync: %d created, %d updated, %d files written, %d conflicts",
			len(result.Created), len(result.Updated), len(result.FilesWritten), len(result.Conflicts))

		issues, err := s.Load()
		if err != nil {
			return err
		}
		data, err := compileReport(cfg, issues)
		if err != nil {
			return err
		}
		return os.WriteFile(cfg.ResolveReportOutput(), data, 0o644)
	}

	w := watch.New(s.Path(), cfg.ResolveTodoDir(), syncFn, watch.Options{
		Debounce: cfg.Debounce(),
		OnError:  func(err error) { logger.Printf("watch: %v", err) },
	})
	if err := w.Start(); err != nil {
		return runtimeErr(err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GitHub != nil {
		shutdown, err := startMirror(ctx, cfg, s, storeDir, logger)
		if err != nil {
			return runtimeErr(err)
		}
		if shutdown != nil {
			defer shutdown()
		}
	}

	if err := syncFn(); err != nil {
		logger.Printf("initial sync: %v", err)
	}

	logger.Printf("watching %s and %s", s.Path(), cfg.ResolveTodoDir())
	<-ctx.Done()
	logger.Printf("shutting down")
	return nil
}

// startMirror wires the GitHub mirror: an initial pull plus, when a
// webhook address and secret are configured, an HTTP server feeding
// events to the orchestrator. Returns a shutdown func for the server.
func startMirror(ctx context.Context, cfg *config.Config, s *store.Store, storeDir string, logger *log.Logger) (func(), error) {
	orch, err := newOrchestrator(cfg, s, storeDir, logger)
	if err != nil {
		return nil, err
	}
	if orch == nil {
		logger.Printf("github configured but no credentials in environment; mirroring disabled")
		return nil, nil
	}

	go func() {
		if err := orch.Pull(ctx); err != nil {
			logger.Printf("mirror pull: %v", err)
		}
	}()

	creds, err := config.CredentialsFromEnv()
	if err != nil {
		return nil, err
	}
	addr := cfg.GitHub.WebhookAddr
	if addr == "" || creds.WebhookSecret == "" {
		return nil, nil
	}

	handler, err := webhook.NewHandler([]byte(creds.WebhookSecret), orch, logger)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/webhook", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Printf("webhook server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("webhook server: %v", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}, nil
}

// newOrchestrator builds the mirror orchestrator from config and
// environment credentials. Returns nil when no credentials are present.
func newOrchestrator(cfg *config.Config, s *store.Store, storeDir string, logger *log.Logger) (*mirror.Orchestrator, error) {
	creds, err := config.CredentialsFromEnv()
	if err != nil {
		return nil, err
	}

	var tokens github.TokenSource
	switch {
	case creds.HasApp():
		auth, err := github.NewAppAuth(strconv.FormatInt(creds.AppID, 10), creds.InstallationID, []byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("github app auth: %w", err)
		}
		tokens = auth
	case creds.HasToken():
		tokens = github.StaticToken(creds.Token)
	default:
		return nil, nil
	}

	client := github.NewClient(tokens, cfg.GitHub.Owner, cfg.GitHub.Repo)
	table, err := mirror.OpenMappingTable(storeDir)
	if err != nil {
		return nil, err
	}
	conv, err := mirror.NewConverter(cfg.MirrorConventions())
	if err != nil {
		return nil, err
	}
	return mirror.New(s, client, table, conv, mirror.Options{
		Strategy: cfg.GitHub.Strategy,
		Logger:   logger,
	}), nil
}
