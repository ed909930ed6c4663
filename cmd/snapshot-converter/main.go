package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/artifact"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/audit"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/catalog"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/config"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/converter"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/handler"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/logging"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/queue"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/schema"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/server"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

type flags struct {
	mode        string
	eventFile   string
	dataset     string
	srcBucket   string
	srcKey      string
	dstBucket   string
	dstKey      string
	enqueue     bool
	showVersion bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.mode, "mode", "", "once | http | amqp (overrides MODE)")
	flag.StringVar(&f.eventFile, "event", "", "path to a JSON event file (once mode)")
	flag.StringVar(&f.dataset, "dataset", "", "dataset / schema name")
	flag.StringVar(&f.srcBucket, "source-bucket", "", "source bucket")
	flag.StringVar(&f.srcKey, "source-key", "", "source object key")
	flag.StringVar(&f.dstBucket, "dest-bucket", "", "destination bucket")
	flag.StringVar(&f.dstKey, "dest-key", "", "destination key or prefix ending in /")
	flag.BoolVar(&f.enqueue, "enqueue", false, "publish the event to the AMQP queue instead of converting")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if f.showVersion {
		fmt.Printf("snapshot-converter %s (%s)\n", converter.Version, converter.GitSHA)
		return
	}

	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	cfg := config.MustLoad()
	if f.mode != "" {
		cfg.Mode = f.mode
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
	}

	logging.Setup(logging.Config{
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Service: converter.ProducerName,
	})
	slog.Info("snapshot converter starting",
		"version", converter.Version,
		"git_sha", converter.GitSHA,
		"mode", cfg.Mode,
		"storage", cfg.Storage.Backend,
		"schemas", cfg.Schema.Source,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, f); err != nil {
		if ctx.Err() != nil {
			slog.Info("shutdown complete")
			return
		}
		slog.Error("snapshot converter failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, f flags) error {
	if f.enqueue {
		return enqueue(ctx, cfg, f)
	}

	store, err := storage.NewObjectStore(storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
	})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer store.Close()

	schemas, err := newSchemaProvider(ctx, cfg.Schema, store)
	if err != nil {
		return err
	}

	m := metrics.Init(cfg.Metrics.Namespace)
	artifacts, err := artifact.NewManager(cfg.Work.TempDir, artifact.WithWarningHook(func(string, error) {
		m.IncCleanupWarnings()
	}))
	if err != nil {
		return err
	}

	cat, err := catalog.NewWriter(ctx, catalog.Config{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	defer cat.Close()

	emitter := audit.NewEmitter(audit.Config{
		Enabled:   cfg.Audit.Enabled,
		Endpoint:  cfg.Audit.Endpoint,
		BackupDir: cfg.Audit.BackupDir,
	})
	defer emitter.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	conv, err := converter.New(converter.Options{
		Store:     store,
		Schemas:   schemas,
		Artifacts: artifacts,
		Catalog:   cat,
		Audit:     emitter,
		Metrics:   m,
		Location:  loc,
	})
	if err != nil {
		return err
	}
	h := handler.New(conv)

	switch cfg.Mode {
	case "once":
		ev, err := loadEvent(f)
		if err != nil {
			return err
		}
		resp, err := h.Apply(ctx, ev)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(resp)
	case "http":
		srv := server.New(h, server.Config{
			Address:        cfg.HTTP.Address,
			RequestTimeout: cfg.HTTP.RequestTimeout,
		})
		return serve(ctx, cfg.Metrics, func(context.Context) error { return srv.Start() }, srv.Shutdown)
	case "amqp":
		consumer := queue.NewConsumer(queue.Config{
			URL:      cfg.Queue.URL,
			Queue:    cfg.Queue.Name,
			Prefetch: cfg.Queue.Prefetch,
		}, h)
		return serve(ctx, cfg.Metrics, consumer.Run, nil)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// serve runs the main loop next to the optional metrics server until ctx
// is cancelled or either fails.
func serve(ctx context.Context, mcfg config.MetricsConfig, start func(context.Context) error, shutdown func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return start(gctx) })

	if mcfg.Enabled {
		ms := metrics.NewServer(mcfg.Address)
		g.Go(func() error {
			slog.Info("metrics server listening", "address", mcfg.Address)
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return shutdownWithTimeout(ms.Shutdown)
		})
	}

	if shutdown != nil {
		g.Go(func() error {
			<-gctx.Done()
			return shutdownWithTimeout(shutdown)
		})
	}

	return g.Wait()
}

func shutdownWithTimeout(shutdown func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return shutdown(ctx)
}

func newSchemaProvider(ctx context.Context, cfg config.SchemaConfig, store *storage.BlobStore) (schema.Provider, error) {
	switch cfg.Source {
	case "embedded":
		return schema.NewEmbeddedProvider(), nil
	case "dir":
		return schema.NewDirProvider(cfg.Dir), nil
	case "bucket":
		bucket, err := store.Bucket(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open schema bucket: %w", err)
		}
		return schema.NewBucketProvider(bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown schema source %q", cfg.Source)
	}
}

// loadEvent reads the event file when given, then lets flags override keys.
func loadEvent(f flags) (handler.Event, error) {
	ev := handler.Event{}
	if f.eventFile != "" {
		file, err := os.Open(f.eventFile)
		if err != nil {
			return nil, fmt.Errorf("open event file: %w", err)
		}
		defer file.Close()
		if ev, err = handler.DecodeEvent(file); err != nil {
			return nil, err
		}
	}

	for key, val := range map[string]string{
		handler.KeyDataset:           f.dataset,
		handler.KeySourceBucket:      f.srcBucket,
		handler.KeySourceKey:         f.srcKey,
		handler.KeyDestinationBucket: f.dstBucket,
		handler.KeyDestinationKey:    f.dstKey,
	} {
		if val != "" {
			ev[key] = val
		}
	}
	return ev, nil
}

func enqueue(ctx context.Context, cfg config.Config, f flags) error {
	ev, err := loadEvent(f)
	if err != nil {
		return err
	}
	if _, err := ev.Request(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	correlationID := logging.GenerateCorrelationID()
	if err := queue.Enqueue(ctx, queue.Config{URL: cfg.Queue.URL, Queue: cfg.Queue.Name}, body, correlationID); err != nil {
		return err
	}
	slog.Info("event enqueued", "queue", cfg.Queue.Name, "correlation_id", correlationID)
	return nil
}
