// Command kohakuhub runs the content-plane HTTP server: the
// HuggingFace-compatible registry API, Git LFS batch endpoint, and Git
// Smart HTTP bridge, backed by an S3-compatible blob store and a
// LakeFS-style branch/commit backend.
//
// A separate metrics http.ServeMux exposes /metrics, /healthz, /readyz
// alongside the main server, both started as goroutines with a shared
// shutdown path.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kohakuhub/kohakuhub/internal/auth"
	"github.com/kohakuhub/kohakuhub/internal/blobstore"
	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/commitengine"
	"github.com/kohakuhub/kohakuhub/internal/config"
	"github.com/kohakuhub/kohakuhub/internal/fallback"
	"github.com/kohakuhub/kohakuhub/internal/gitbridge"
	"github.com/kohakuhub/kohakuhub/internal/httpapi"
	"github.com/kohakuhub/kohakuhub/internal/invite"
	"github.com/kohakuhub/kohakuhub/internal/lfs"
	"github.com/kohakuhub/kohakuhub/internal/log"
	"github.com/kohakuhub/kohakuhub/internal/metrics"
	"github.com/kohakuhub/kohakuhub/internal/quota"
	"github.com/kohakuhub/kohakuhub/internal/repo"
	"github.com/kohakuhub/kohakuhub/internal/resolve"
	"github.com/kohakuhub/kohakuhub/internal/sshkeys"
)

func main() {
	if err := run(); err != nil {
		log.Named("main").Errorw("exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := log.Init(os.Getenv("KOHAKUHUB_LOG_DEV") == "true"); err != nil {
		return err
	}
	defer log.Sync()
	logger := log.Named("main")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := metrics.Init(ctx)
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())

	blobs, err := blobstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		return err
	}
	branchBackend := branch.NewHTTPBackend(cfg.Branch)

	repos := repo.NewStore()
	quotas := quota.NewStore()
	invites := invite.NewStore()
	keys := sshkeys.NewStore()
	authenticator := auth.NewTokenAuthenticator()

	var fallbackProxy *fallback.Proxy
	if cfg.Fallback.Enabled {
		fallbackProxy = fallback.NewProxy(cfg.Fallback, []fallback.Source{
			{Name: "huggingface", BaseURL: "https://huggingface.co", Type: "huggingface", Priority: 100, Enabled: true},
		})
	}

	readBlob := func(ctx context.Context, canonicalRepoName, path, checksum string) ([]byte, error) {
		r, err := blobs.Get(ctx, blobstore.RepoObjectKey(canonicalRepoName, path))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}

	server := &httpapi.Server{
		Cfg:    cfg,
		Repos:  repos,
		Quota:  quotas,
		Branch: branchBackend,
		Commit: &commitengine.Engine{
			Blobs:        blobs,
			Branch:       branchBackend,
			Repos:        repos,
			Quota:        quotas,
			LFSThreshold: cfg.LFS.ThresholdBytes,
		},
		LFS: &lfs.Service{
			Blobs:      blobs,
			Quota:      quotas,
			PresignTTL: cfg.PresignTTL,
			PublicBase: cfg.PublicBaseURL,
			LFSCfg:     cfg.LFS,
		},
		GitBridge: &gitbridge.Handler{
			Builder:      &gitbridge.Builder{Branch: branchBackend},
			Branches:     func(string) []string { return []string{cfg.Branch.DefaultRef} },
			LFSThreshold: cfg.LFS.PackInclusionBytes,
			ReadBlob:     readBlob,
		},
		Resolve: &resolve.Router{
			Repos:      repos,
			Branch:     branchBackend,
			Blobs:      blobs,
			Fallback:   fallbackProxy,
			PresignTTL: cfg.PresignTTL,
		},
		SSHKeys: keys,
		Invites: invites,
		Auth:    authenticator,
	}

	router := httpapi.NewRouter(server)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Infow("starting content-plane server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infow("starting metrics server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-errCh:
		logger.Errorw("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}
