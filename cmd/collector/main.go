// Command collector is the process entrypoint: it wires the stream
// handler, rotators, backup pipeline, snapshot poller, control-plane
// watcher and supervisor described across SPEC_FULL.md into one running
// process, grounded on the nested-flag-parser-then-serve shape of the
// teacher's cmd/flow-ingester/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketfeed/collector/internal/backup"
	"github.com/marketfeed/collector/internal/backupstate"
	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/config"
	"github.com/marketfeed/collector/internal/control"
	"github.com/marketfeed/collector/internal/exchangeclient"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/rotator"
	"github.com/marketfeed/collector/internal/snapshot"
	"github.com/marketfeed/collector/internal/storage"
	"github.com/marketfeed/collector/internal/stream"
	"github.com/marketfeed/collector/internal/supervisor"
	"github.com/marketfeed/collector/internal/tracker"
)

func main() {
	var cli config.CLI
	if _, err := flags.NewParser(&cli, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}

	if err := run(cli); err != nil {
		ops.For("main").WithError(err).Error("collector exiting after error")
		os.Exit(1)
	}
	os.Exit(0)
}

// run builds every component and drives the process until a signal or the
// control-plane drain sequence ends it cleanly. Its error return governs
// the process exit code: nil for a clean shutdown (signal-driven or
// drained), non-nil for anything that should be reported as a crash
// (spec.md §9's distinguished signal handling).
func run(cli config.CLI) error {
	var mgr, err = config.NewManager(cli.ConfigPath)
	if err != nil {
		return err
	}
	var cfg = mgr.Current()

	ops.Init(!cfg.IsProduction)
	var log = ops.For("main")

	var clk clock.Clock = clock.WallClock{}

	var isStartTime bool
	var startTime time.Time
	if cli.Start != "" {
		startTime, err = time.Parse(time.RFC3339, cli.Start)
		if err != nil {
			return fmt.Errorf("main: parsing --start %q: %w", cli.Start, err)
		}
		isStartTime = true
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	backupInfoStore, err := backupstate.Open(cfg.BackupInfoDBPath, false)
	if err != nil {
		return err
	}
	defer backupInfoStore.Close()

	crashStore, err := backupstate.Open(cfg.CrashInfoDBPath, false)
	if err != nil {
		return err
	}
	defer crashStore.Close()

	var trk = tracker.New()
	for _, id := range cfg.ProductIDs {
		trk.Add(id)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	// One shared signal channel; every rotation fires into it and the
	// backup pipeline drains it in its own goroutine below (spec.md §4.2
	// step 5).
	var backupSignal = make(chan struct{}, 1)

	var safeMargin = time.Duration(cfg.SafeMarginInterval) * time.Second

	mainRotator, err := rotator.New(ctx, db, rotator.Config{
		Prefix:       "full",
		Interval:     cfg.StreamBackupInterval,
		SafeMargin:   safeMargin,
		IsStartTime:  isStartTime,
		StartTime:    startTime,
		BackupSignal: backupSignal,
	}, clk)
	if err != nil {
		return fmt.Errorf("main: opening stream rotator: %w", err)
	}

	snapshotRotator, err := rotator.New(ctx, db, rotator.Config{
		Prefix:       "orderbook",
		Interval:     cfg.SnapshotBackupInterval,
		SafeMargin:   safeMargin,
		IsStartTime:  isStartTime,
		StartTime:    startTime,
		BackupSignal: backupSignal,
	}, clk)
	if err != nil {
		return fmt.Errorf("main: opening snapshot rotator: %w", err)
	}

	var restFactory = exchangeclient.NewRESTClientFactory(exchangeclient.RESTConfig{
		BaseURL:    cfg.RESTURL,
		Key:        cfg.CBKey,
		Secret:     cfg.CBSecret,
		Passphrase: cfg.CBPassphrase,
		Timeout:    10 * time.Second,
	})

	handler, err := stream.New(trk, mainRotator, restFactory, clk)
	if err != nil {
		return fmt.Errorf("main: building stream handler: %w", err)
	}

	var streamClient = exchangeclient.NewStream(exchangeclient.StreamConfig{
		URL:              cfg.WebsocketURL,
		ProductIDs:       cfg.ProductIDs,
		HandshakeTimeout: 10 * time.Second,
	}, handler.HandleEvent)

	var grid time.Duration
	if cfg.IsProduction {
		grid = time.Duration(cfg.SnapshotIntervalMinutes) * time.Minute
	} else {
		grid = time.Duration(cfg.SnapshotIntervalSeconds) * time.Second
	}
	var poller = snapshot.New(cfg.ProductIDs, grid, restFactory, snapshotRotator, clk)

	codec, err := backup.NewCodec(cfg.BackupCompressionType)
	if err != nil {
		return fmt.Errorf("main: selecting backup codec: %w", err)
	}

	destination, err := newDestination(cfg)
	if err != nil {
		return fmt.Errorf("main: selecting backup destination: %w", err)
	}

	var pipeline = backup.New(db, backupInfoStore, backup.Config{
		Prefixes:     cfg.BackupCollections,
		TempFolder:   cfg.TempBackupFolder,
		Codec:        codec,
		Destination:  destination,
		Overwrite:    cfg.BackupOverwrite,
		IsProduction: cfg.IsProduction,
	}, clk)

	var watcher = control.New(control.Config{
		Source:         config.ControlSource{Manager: mgr},
		Tracker:        trk,
		StreamClient:   streamClient,
		Rotators:       []*rotator.Rotator{mainRotator, snapshotRotator},
		Backups:        []control.BackupIdleChecker{pipeline},
		UpdateInterval: cfg.UpdateInterval,
	}, clk, cfg.ProductIDs)

	var sup = supervisor.New(supervisor.Runtime{
		StreamClient: streamClient,
		Tracker:      trk,
		CrashStore:   crashStore,
		Clock:        clk,
		StopSignal:   watcher.Stop,
	})
	if err := sup.SeedFromCrashState(ctx); err != nil {
		log.WithError(err).Warn("starting without a crash-state seed")
	}

	var metricsServer = &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	var errCh = make(chan error, 4)
	go func() { errCh <- mainRotator.Run(ctx) }()
	go func() { errCh <- snapshotRotator.Run(ctx) }()
	go func() { errCh <- poller.Run(ctx) }()
	go func() { errCh <- watcher.Run(ctx) }()
	go drainBackupSignals(ctx, backupSignal, pipeline)

	var supDone = make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	var signals = make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	select {
	case sig := <-signals:
		log.WithField("signal", sig).Info("received signal, shutting down")
		cancel()
		_ = streamClient.Stop()
		<-supDone
		if sig == syscall.SIGHUP {
			// Treated as a crash trigger rather than an operator-requested
			// shutdown: exit non-zero even though the supervisor itself
			// persisted crash-state cleanly (spec.md §9, signal routing).
			return fmt.Errorf("main: received %s, exiting as a crash", sig)
		}
		return nil
	case err := <-supDone:
		cancel()
		_ = streamClient.Stop()
		return err
	case err := <-errCh:
		cancel()
		_ = streamClient.Stop()
		<-supDone
		return err
	}
}

// drainBackupSignals runs one backup cycle per rotation signal, serially,
// until ctx is canceled (spec.md §4.2 step 5 / §4.3).
func drainBackupSignals(ctx context.Context, fired <-chan struct{}, pipeline *backup.Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fired:
			if err := pipeline.Run(ctx); err != nil {
				ops.For("main").WithError(err).Warn("backup cycle failed")
			}
		}
	}
}

func openDatabase(cfg config.File) (storage.Database, error) {
	switch cfg.DatabaseType {
	case "simple", "":
		return storage.NewFilesystemDatabase(cfg.DBPath, cfg.DatabaseName)
	case "mongodb", "documentdb":
		return storage.NewDocumentDatabase(storage.DocumentDatabaseConfig{
			DatabaseName: cfg.DatabaseName,
			MongoURL:     cfg.MongoURL,
			TLS:          cfg.DatabaseTLS,
			Host:         cfg.DBHost,
			Username:     cfg.DBUsername,
			Password:     cfg.DBPassword,
			SSLCAFile:    cfg.SSLCAFile,
		}), nil
	default:
		return nil, fmt.Errorf("main: unrecognized database_type %q", cfg.DatabaseType)
	}
}

func newDestination(cfg config.File) (backup.Destination, error) {
	switch cfg.BackupType {
	case "aws", "s3":
		if cfg.AWSAccessKeyID != "" {
			os.Setenv("AWS_ACCESS_KEY_ID", cfg.AWSAccessKeyID)
			os.Setenv("AWS_SECRET_ACCESS_KEY", cfg.AWSSecretAccessKey)
		}
		return backup.NewS3Destination(cfg.S3BucketName, cfg.BackupFolderPath, cfg.AWSRegion)
	case "local", "":
		var folder = cfg.BackupFolderPath
		if cfg.BackupOverwrite {
			folder = cfg.BackupOverwriteFolderPath
		}
		return backup.LocalDestination{FolderPath: folder}, nil
	default:
		return nil, fmt.Errorf("main: unrecognized backup_type %q", cfg.BackupType)
	}
}
