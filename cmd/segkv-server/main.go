// Command segkv-server runs the segment-log key-value store behind the
// line protocol, plus an optional admin HTTP listener.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-segkv/pkg/archive"
	"github.com/dd0wney/cluso-segkv/pkg/config"
	"github.com/dd0wney/cluso-segkv/pkg/health"
	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/server"
	"github.com/dd0wney/cluso-segkv/pkg/storage"
	segtls "github.com/dd0wney/cluso-segkv/pkg/tls"
)

const (
	systemMetricsInterval = 15 * time.Second
	certificateWarnWithin = 14 * 24 * time.Hour
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitCorrupt = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

// options holds command-line flags. Flags that were not given leave the
// file and environment settings untouched.
type options struct {
	configPath string
	set        map[string]bool

	dbDir      string
	listen     string
	maxRecords int
	admin      string
	logLevel   string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("segkv-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.dbDir, "db", storage.DefaultDir, "Segment directory")
	fs.StringVar(&opts.listen, "listen", server.DefaultListenAddress, "Protocol listen address")
	fs.IntVar(&opts.maxRecords, "max-records", storage.DefaultMaxRecordsPerSegment, "Records per segment before rotation")
	fs.StringVar(&opts.admin, "admin", "", "Admin HTTP listen address (empty disables)")
	fs.StringVar(&opts.logLevel, "log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

func (o *options) apply(cfg *config.Config) {
	if o.set["db"] {
		cfg.DBDirectory = o.dbDir
	}
	if o.set["listen"] {
		cfg.ListenAddress = o.listen
	}
	if o.set["max-records"] {
		cfg.MaxRecordsPerSegment = o.maxRecords
	}
	if o.set["admin"] {
		cfg.AdminAddress = o.admin
	}
	if o.set["log-level"] {
		cfg.LogLevel = o.logLevel
	}
}

// loadConfig layers defaults, file, environment and flags, then validates.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger := logging.NewJSONLogger(stderr, cfg.Level())
	logging.SetDefaultLogger(logger)
	logging.Debug("configuration loaded",
		logging.Path(cfg.DBDirectory),
		logging.String("listen", cfg.ListenAddress),
		logging.String("admin", cfg.AdminAddress),
		logging.Int("max_records_per_segment", cfg.MaxRecordsPerSegment),
		logging.Bool("sync_writes", cfg.SyncWrites))

	if err := serve(ctx, cfg, opts, logger); err != nil {
		logging.ErrorLog("server stopped with error", logging.Error(err))
		if storage.IsCorrupt(err) {
			return exitCorrupt
		}
		return exitFailure
	}
	return exitOK
}

func serve(ctx context.Context, cfg *config.Config, opts *options, logger *logging.JSONLogger) error {
	reg := metrics.NewRegistry()
	lifecycle := logging.With(logging.Component("lifecycle"))

	storeOpts := cfg.StoreOptions(logger, reg)
	if cfg.Archive.Enabled() {
		archiver, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.ArchiveRegion(),
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UsePathStyle:    cfg.Archive.UsePathStyle,
		}, logger)
		if err != nil {
			return err
		}
		storeOpts.Archiver = archiver
		logging.Info("archiving frozen segments",
			logging.String("bucket", cfg.Archive.Bucket),
			logging.String("region", cfg.ArchiveRegion()))
	}

	store, err := storage.Open(storeOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", logging.Error(err))
		}
	}()

	serverCfg := cfg.ServerConfig()
	serverCfg.TLS, err = segtls.ServerConfig(cfg.TLS)
	if err != nil {
		return err
	}

	srv := server.NewServer(serverCfg, store, logger, reg)
	if err := srv.Listen(); err != nil {
		return err
	}

	reload := func() error {
		next, err := loadConfig(opts)
		if err != nil {
			return err
		}
		logger.SetLevel(next.Level())
		lifecycle.Info("log level applied", logging.String("level", next.Level().String()))
		return nil
	}

	var admin *server.GracefulServer
	if cfg.AdminAddress != "" {
		admin = server.NewAdminServer(cfg.AdminAddress, server.AdminRoutes{
			Metrics: reg,
			Health:  newHealthChecker(cfg, store, serverCfg.TLS),
			Stats:   func() any { return store.Stats() },
		}, logger)
		admin.SetConfigReloadFunc(reload)
		if err := admin.Listen(); err != nil {
			srv.Shutdown(context.Background())
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if admin != nil {
		g.Go(admin.Start)
	}
	g.Go(func() error {
		reg.RunSystemCollector(gctx, systemMetricsInterval)
		return nil
	})
	g.Go(func() error {
		server.WatchReload(gctx, reload, lifecycle)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lifecycle.Info("shutdown requested", logging.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if admin != nil {
			errs = append(errs, admin.Shutdown(shutdownCtx))
		}
		errs = append(errs, srv.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newHealthChecker runs after the default logger is installed.
func newHealthChecker(cfg *config.Config, store *storage.Store, tlsCfg *tls.Config) *health.HealthChecker {
	hc := health.NewHealthChecker()

	if tlsCfg != nil {
		if info, err := segtls.LeafInfo(tlsCfg); err != nil {
			logging.Warn("cannot inspect listener certificate", logging.Error(err))
		} else {
			hc.RegisterCheck("tls_certificate", health.CertificateExpiryCheck(info.NotAfter, certificateWarnWithin))
		}
	}

	storageCheck := health.StorageCheck(func() health.StorageState {
		st := store.Stats()
		return health.StorageState{
			Open:              !st.Closed,
			Segments:          st.Segments,
			FrozenSegments:    st.FrozenSegments,
			IndexedKeys:       st.IndexedKeys,
			PendingFreezeJobs: st.PendingFreezeJobs,
		}
	})
	diskWritable := health.DiskWritableCheck(cfg.DBDirectory)

	hc.RegisterCheck("storage", storageCheck)
	hc.RegisterCheck("disk_writable", diskWritable)
	hc.RegisterCheck("disk_space", health.DiskSpaceCheck(health.DiskUsage(cfg.DBDirectory)))
	hc.RegisterCheck("memory", health.MemoryCheck(health.RuntimeMemory))
	hc.RegisterCheck("goroutines", health.GoroutineCheck(health.DefaultMaxGoroutines))

	hc.RegisterReadinessCheck("storage", storageCheck)
	hc.RegisterReadinessCheck("disk_writable", diskWritable)

	hc.RegisterLivenessCheck("goroutines", health.GoroutineCheck(health.DefaultMaxGoroutines))
	return hc
}
