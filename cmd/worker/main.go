// Command worker runs the continuous acquire/process/record loop of
// spec.md section 4.K: it syncs the file index into the observation queue,
// pulls one pending group at a time, drives it through the ordered stage
// chain, and records the outcome, until SIGINT/SIGTERM asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/index"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/version"
)

const groupFilenameToleranceSec = 10

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath    string
	inputDir      string
	outputDir     string
	scratchDir    string
	queueDB       string
	fileIndexDB   string
	productsDB    string
	registryDB    string
	dataRegDB     string
	expectedSB    int
	pollSec       int
	workerPollSec int
	executionMode string
	convertBinary string
	showVersion   bool
}

func parseFlags(args []string) flags {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	var f flags
	fs.StringVar(&f.configPath, "config", "", "path to a PipelineConfig JSON file")
	fs.StringVar(&f.inputDir, "input-dir", "", "directory watched for incoming UVH5 shards")
	fs.StringVar(&f.outputDir, "output-dir", "", "directory science products are written to")
	fs.StringVar(&f.scratchDir, "scratch-dir", "", "scratch directory for intermediate products")
	fs.StringVar(&f.queueDB, "queue-db", "", "path to the observation queue sqlite database")
	fs.StringVar(&f.fileIndexDB, "fileindex-db", "", "path to the file index sqlite database")
	fs.StringVar(&f.productsDB, "products-db", "", "path to the products sqlite database")
	fs.StringVar(&f.registryDB, "registry-db", "", "path to the calibrator registry sqlite database")
	fs.StringVar(&f.dataRegDB, "data-registry-db", "", "path to the published-data registry sqlite database")
	fs.IntVar(&f.expectedSB, "expected-subbands", 0, "expected subband count per observation group")
	fs.IntVar(&f.pollSec, "poll-interval", 0, "file-index/queue sync interval, in seconds")
	fs.IntVar(&f.workerPollSec, "worker-poll-interval", 0, "idle poll interval between queue acquisitions, in seconds")
	fs.StringVar(&f.executionMode, "execution-mode", "", "inprocess, subprocess, or auto")
	fs.StringVar(&f.convertBinary, "convert-binary", "", "path to the convert CLI, used when conversion runs as a subprocess")
	fs.BoolVar(&f.showVersion, "version", false, "print the version and exit")
	_ = fs.Parse(args)
	return f
}

func run() error {
	f := parseFlags(os.Args[1:])
	if f.showVersion {
		fmt.Println(version.String())
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dbDir := filepath.Dir(cfg.QueueDB)
	fileIndexDBPath := firstNonEmpty(f.fileIndexDB, filepath.Join(dbDir, "fileindex.db"))
	productsDBPath := firstNonEmpty(f.productsDB, filepath.Join(dbDir, "products.db"))

	fileIndexConn, err := db.Open(db.KindFileIndex, fileIndexDBPath)
	if err != nil {
		return fmt.Errorf("open file index db: %w", err)
	}
	defer fileIndexConn.Close()
	queueConn, err := db.Open(db.KindQueue, cfg.QueueDB)
	if err != nil {
		return fmt.Errorf("open queue db: %w", err)
	}
	defer queueConn.Close()
	productsConn, err := db.Open(db.KindProducts, productsDBPath)
	if err != nil {
		return fmt.Errorf("open products db: %w", err)
	}
	defer productsConn.Close()
	registryConn, err := db.Open(db.KindRegistry, cfg.RegistryDB)
	if err != nil {
		return fmt.Errorf("open registry db: %w", err)
	}
	defer registryConn.Close()
	dataRegConn, err := db.Open(db.KindDataRegistry, cfg.DataRegistryDB)
	if err != nil {
		return fmt.Errorf("open data registry db: %w", err)
	}
	defer dataRegConn.Close()

	fileIndexStore := db.NewFileIndexStore(fileIndexConn)
	queueStore := db.NewQueueStore(queueConn)
	productsStore := db.NewProductsStore(productsConn)
	registryStore := db.NewRegistryStore(registryConn)
	dataRegStore := db.NewDataRegistryStore(dataRegConn)

	for k, v := range cfg.GetResourceLimits().ToEnvDict() {
		os.Setenv(k, v)
	}

	indexer := index.NewIndexer(fileIndexStore, groupFilenameToleranceSec)
	mgr := queue.NewManager(queueStore, fileIndexStore, cfg.GetExpectedSubbands())

	disk := fsutil.NewDiskMonitor([]fsutil.WatchedPath{
		{Path: cfg.OutputDir, WarningFraction: cfg.DiskThresholds.Warning(), CriticalFraction: cfg.DiskThresholds.Critical()},
		{Path: cfg.ScratchDir, WarningFraction: cfg.DiskThresholds.Warning(), CriticalFraction: cfg.DiskThresholds.Critical()},
	})

	ctx, cancel := newShutdownContext()
	defer cancel()

	go runIndexSyncLoop(ctx, indexer, mgr, cfg)

	w := buildWorker(cfg, f, mgr, disk, registryStore, productsStore, dataRegStore)
	logging.Logf(logging.Msg("worker: starting", logging.F("input_dir", cfg.InputDir), logging.F("execution_mode", string(cfg.GetExecutionMode()))))
	return w.Run(ctx)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func loadConfig(f flags) (*config.PipelineConfig, error) {
	var cfg config.PipelineConfig
	if f.configPath != "" {
		loaded, err := config.LoadPipelineConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if f.inputDir != "" {
		cfg.InputDir = f.inputDir
	}
	if f.outputDir != "" {
		cfg.OutputDir = f.outputDir
	}
	if f.scratchDir != "" {
		cfg.ScratchDir = f.scratchDir
	}
	if f.queueDB != "" {
		cfg.QueueDB = f.queueDB
	}
	if f.registryDB != "" {
		cfg.RegistryDB = f.registryDB
	}
	if f.dataRegDB != "" {
		cfg.DataRegistryDB = f.dataRegDB
	}
	if f.expectedSB > 0 {
		cfg.ExpectedSubbands = &f.expectedSB
	}
	if f.pollSec > 0 {
		cfg.PollIntervalSec = &f.pollSec
	}
	if f.workerPollSec > 0 {
		cfg.WorkerPollSec = &f.workerPollSec
	}
	if f.executionMode != "" {
		cfg.ExecutionMode = &f.executionMode
	}
	return &cfg, nil
}

// newShutdownContext cancels its context on SIGINT/SIGTERM, the same signal
// pair the teacher's cmd/radar binary traps, so the worker loop finishes
// whatever group it is processing before Run returns.
func newShutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Logf(logging.Msg("worker: shutdown signal received, finishing current group"))
		cancel()
	}()
	return ctx, cancel
}

func runIndexSyncLoop(ctx context.Context, indexer *index.Indexer, mgr *queue.Manager, cfg *config.PipelineConfig) {
	interval := time.Duration(cfg.GetPollInterval()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := indexer.Index(cfg.InputDir, false, 0); err != nil {
				logging.Logf(logging.Msg("worker: index sweep failed", logging.F("error", err.Error())))
				continue
			}
			now := time.Now()
			startMJD := toMJD(now.Add(-7 * 24 * time.Hour))
			endMJD := toMJD(now.Add(24 * time.Hour))
			if promoted, err := mgr.SyncFromFileIndex(startMJD, endMJD, now); err != nil {
				logging.Logf(logging.Msg("worker: queue sync failed", logging.F("error", err.Error())))
			} else if promoted > 0 {
				logging.Logf(logging.Msg("worker: promoted groups to pending", logging.F("count", promoted)))
			}
		}
	}
}

const unixToMJDEpochOffset = 40587.0

func toMJD(t time.Time) float64 {
	return float64(t.UTC().Unix())/86400.0 + unixToMJDEpochOffset
}
