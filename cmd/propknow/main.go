// Command propknow runs the document knowledge ingestion service: HTTP
// gateway plus the background extraction workers, against one SQLite
// database and a content-addressed blob directory.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/propknow/propknow/blobstore"
	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/dbopen"
	"github.com/propknow/propknow/embedder"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/gateway"
	"github.com/propknow/propknow/ingest"
	"github.com/propknow/propknow/jobqueue"
	"github.com/propknow/propknow/knowledge"
	"github.com/propknow/propknow/staging"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if err := run(*cfgPath, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, log *slog.Logger) error {
	cfg, err := ingest.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := blobstore.NewFS(cfg.BlobDir)
	if err != nil {
		return err
	}

	content, err := contentstore.New(db, blobs, contentstore.Config{
		MaxBytes:    cfg.MaxUploadBytes,
		AllowedMIME: extract.Supported(),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	fieldMap := staging.DefaultFieldMap()
	if cfg.FieldMapPath != "" {
		f, err := os.Open(cfg.FieldMapPath)
		if err != nil {
			return err
		}
		fieldMap, err = staging.LoadFieldMap(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	stg, err := staging.New(db, staging.Config{
		FieldMap: fieldMap,
		Locker:   content,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	emb := embedder.New(cfg.Embedding)
	index, err := knowledge.New(db, knowledge.Config{Embedder: emb, Logger: log})
	if err != nil {
		return err
	}

	queue, err := jobqueue.New(db, jobqueue.Config{
		Concurrency: cfg.Workers,
		JobTimeout:  time.Duration(cfg.JobTimeoutSeconds) * time.Second,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	// Version creation supersedes pending review batches and embeddings
	// in the same transaction.
	content.RegisterSuperseder(stg)
	content.RegisterSuperseder(index)

	orch, err := ingest.NewOrchestrator(ingest.OrchestratorConfig{
		Content:  content,
		Pipeline: extract.New(extract.Config{Logger: log}),
		Staging:  stg,
		Index:    index,
		Queue:    queue,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	svc, err := gateway.New(gateway.Config{
		Content:        content,
		Orch:           orch,
		Queue:          queue,
		Staging:        stg,
		Index:          index,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		queue.Run(ctx, orch.Handler())
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("propknow listening", "addr", cfg.Listen, "db", cfg.DBPath,
			"workers", cfg.Workers, "embedding_model", cfg.Embedding.Model)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-workersDone
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http shutdown", "error", err)
	}
	<-workersDone
	log.Info("stopped")
	return nil
}
