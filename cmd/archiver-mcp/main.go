package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/epics-archiver-mcp/internal/archiver"
	"github.com/gftdcojp/epics-archiver-mcp/internal/blob"
	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/file"
	"github.com/gftdcojp/epics-archiver-mcp/internal/lifecycle"
	"github.com/gftdcojp/epics-archiver-mcp/internal/mcp"
	"github.com/gftdcojp/epics-archiver-mcp/internal/memory"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/metrics"
	"github.com/gftdcojp/epics-archiver-mcp/internal/serve"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tools"
	"github.com/gftdcojp/epics-archiver-mcp/pkg/natsutil"
	"github.com/gftdcojp/epics-archiver-mcp/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("archiver-mcp %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

// cache holds the response cache components. All fields are nil when no
// tier is enabled.
type cache struct {
	ctrl     *tier.Controller
	meta     meta.Store
	gc       *lifecycle.Manager
	s3Client *s3util.Client
}

func openCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (*cache, error) {
	if !cfg.Enabled() {
		return &cache{}, nil
	}
	codec, err := block.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"), meta.WithNoSync(cfg.Metadata.NoSync))
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	ctrlCfg := tier.ControllerConfig{
		Meta:   metaStore,
		Policy: cfg,
		Codec:  codec,
		Logger: logger.Named("tier"),
	}
	if cfg.Memory.Enabled {
		ctrlCfg.Memory = memory.NewStore(cfg.Memory, logger.Named("memory"))
	}
	if cfg.File.Enabled {
		fileStore, err := file.NewStore(cfg.File, logger.Named("file"))
		if err != nil {
			metaStore.Close()
			return nil, fmt.Errorf("creating file store: %w", err)
		}
		ctrlCfg.File = fileStore
	}

	c := &cache{meta: metaStore}
	var gcOpts []lifecycle.Option
	if cfg.Blob.Enabled {
		c.s3Client, err = s3util.NewClient(ctx, cfg.Blob)
		if err != nil {
			metaStore.Close()
			return nil, fmt.Errorf("creating S3 client: %w", err)
		}
		blobStore := blob.NewStore(c.s3Client.S3, c.s3Client.Bucket, cfg.Blob, logger.Named("blob"))
		ctrlCfg.Blob = blobStore
		gcOpts = append(gcOpts, lifecycle.WithObjectStore(blobStore))
	}

	c.ctrl = tier.NewController(ctrlCfg)
	c.gc = lifecycle.NewManager(c.ctrl, metaStore, cfg, logger.Named("lifecycle"), gcOpts...)
	return c, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := archiver.NewClient(cfg.Archiver, logger.Named("archiver"))

	c, err := openCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	if c.meta != nil {
		defer c.meta.Close()
	}

	var svcOpts []tools.Option
	var cacheAdmin serve.CacheAdmin
	if c.ctrl != nil {
		svcOpts = append(svcOpts, tools.WithCache(c.ctrl))
		cacheAdmin = c.ctrl
	}
	svc := tools.NewService(client, logger.Named("tools"), svcOpts...)

	var nc *nats.Conn
	if cfg.API.NATSResponder.Enabled {
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if c.ctrl != nil {
		interval := cfg.Policy.EvalInterval.Duration()
		g.Go(func() error { return c.ctrl.RunDemotionLoop(gctx, interval) })
		g.Go(func() error { return c.gc.Run(gctx, interval) })
	}

	if cfg.MCP.Enabled {
		srv := mcp.NewServer(cfg.MCP, version, svc, logger.Named("mcp"))
		g.Go(func() error {
			err := srv.Run(gctx)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			// The client closed stdin.
			logger.Info("MCP session ended", zap.Error(err))
			if !cfg.API.Enabled && !cfg.API.NATSResponder.Enabled {
				cancel()
			}
			return nil
		})
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, svc, cacheAdmin, logger.Named("api"))
		})
	}

	if nc != nil {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, svc, logger.Named("nats-responder"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, c.meta, c.s3Client, client)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("archiver-mcp started",
		zap.String("version", version),
		zap.String("archiver_url", cfg.Archiver.URL),
		zap.Bool("mcp", cfg.MCP.Enabled),
		zap.Bool("api", cfg.API.Enabled),
		zap.Bool("nats_responder", cfg.API.NATSResponder.Enabled),
		zap.Bool("cache", c.ctrl != nil),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}

// newLogger builds a zap logger. Output defaults to stderr since stdout
// carries the MCP stdio protocol.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	output := cfg.Output
	if output == "" || output == "stdout" {
		output = "stderr"
	}
	zapCfg.OutputPaths = []string{output}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	return zapCfg.Build()
}
