// Package main is the stylematch CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/artifact"
	"github.com/hyperjump/stylematch/internal/builder"
	"github.com/hyperjump/stylematch/internal/catalog"
	"github.com/hyperjump/stylematch/internal/classifier"
	"github.com/hyperjump/stylematch/internal/cli"
	"github.com/hyperjump/stylematch/internal/config"
	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/internal/recommend"
	"github.com/hyperjump/stylematch/internal/retrieval"
	"github.com/hyperjump/stylematch/internal/selection"
	"github.com/hyperjump/stylematch/internal/server"
	"github.com/hyperjump/stylematch/internal/storage"
	"github.com/hyperjump/stylematch/internal/watcher"
	"github.com/hyperjump/stylematch/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/stylematch/config.yaml"
	defaultServerURL  = "http://localhost:8000"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// When neither exists, built-in defaults (plus environment overrides) are used.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg := &config.Config{}
			config.ApplyEnv(cfg)
			config.ApplyDefaults(cfg)
			if err := cfg.Validate(); err != nil {
				return nil, "", err
			}
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "build":
		runBuild()
	case "server":
		runServer()
	case "recommend":
		runRecommend()
	case "classify":
		runClassify()
	case "status":
		runStatus()
	case "reload":
		runReload()
	case "version", "--version", "-v":
		fmt.Printf("stylematch version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func mustLogger(debug bool) *zap.Logger {
	logger, err := utils.NewLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func mustConfig(path string) (*config.Config, string) {
	cfg, resolved, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, resolved
}

func runBuild() {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	output := fs.String("output", "", "artifact directory (default: storage.artifact_dir)")
	trees := fs.Int("trees", 0, "number of trees (default: index.trees)")
	column := fs.String("column", "", "embedding column name (default: index.embedding_column)")
	format := fs.String("format", "", "metadata format: json or sqlite (default: storage.metadata_format)")
	seed := fs.Int64("seed", -1, "tree construction seed (-1 = index.seed or random)")
	keepOld := fs.Bool("keep-old", false, "keep artifacts of previous versions")
	publish := fs.Bool("publish", false, "upload the artifacts to the configured MinIO bucket")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: stylematch build [flags] <catalog.csv|catalog.xlsx>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(flagsFirst(os.Args[2:]))
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	cfg, _ := mustConfig(*configPath)
	logger := mustLogger(cfg.Debug || *debug)
	defer logger.Sync()

	opts := buildOptions(cfg, fs.Arg(0))
	opts.Logger = logger
	opts.KeepOld = *keepOld
	if *output != "" {
		opts.OutputDir = *output
	}
	if *trees > 0 {
		opts.Trees = *trees
	}
	if *column != "" {
		opts.EmbeddingColumn = *column
	}
	if *format != "" {
		opts.MetadataFormat = *format
	}
	if *seed >= 0 {
		s := uint64(*seed)
		opts.Seed = &s
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := builder.Build(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Built snapshot %s: %d items, dimension %d, %d trees in %s\n",
		report.Version, report.Items, report.Dimension, report.Trees, report.Duration.Round(time.Millisecond))
	fmt.Printf("  index:    %s\n  metadata: %s\n", report.IndexPath, report.MetadataPath)
	if len(report.Pruned) > 0 {
		fmt.Printf("  pruned:   %s\n", strings.Join(report.Pruned, ", "))
	}

	if *publish {
		bucket, err := artifact.NewMinioBucket(cfg.Artifact)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
			os.Exit(1)
		}
		if _, err := artifact.Publish(ctx, bucket, report.OutputDir); err != nil {
			fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Published %s to %s/%s\n", report.Version, cfg.Artifact.Bucket, cfg.Artifact.Prefix)
	}
}

// buildOptions maps configuration onto builder options.
func buildOptions(cfg *config.Config, source string) builder.Options {
	return builder.Options{
		Source:          source,
		OutputDir:       cfg.Storage.ArtifactDir,
		EmbeddingColumn: cfg.Index.EmbeddingColumn,
		IndexType:       cfg.Index.Type,
		Trees:           cfg.Index.Trees,
		LeafSize:        cfg.Index.LeafSize,
		Seed:            cfg.Index.Seed,
		MetadataFormat:  cfg.Storage.MetadataFormat,
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (reloads, selection, watcher events)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath := mustConfig(*configPath)
	debugMode := cfg.Debug || *debug
	logger := mustLogger(debugMode)
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.String("artifact_dir", cfg.Storage.ArtifactDir),
		zap.String("artifact_source", cfg.Artifact.Source),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	if _, _, err := components.Reloader.Reload(context.Background()); err != nil {
		logger.Fatal("Failed to load snapshot", zap.Error(err))
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if cfg.Reload.WatchOrDefault() && cfg.Artifact.Source == "local" {
		watchOpts := []watcher.WatcherOption{
			watcher.WithDebounce(time.Duration(cfg.Reload.DebounceMillis) * time.Millisecond),
		}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		reloader := components.Reloader
		w := watcher.NewWatcher(cfg.Storage.ArtifactDir, func() {
			if _, _, err := reloader.Reload(watchCtx); err != nil {
				logger.Warn("hot reload failed", zap.Error(err))
			}
		}, watchOpts...)
		if err := w.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
	}

	srv := server.NewServer(components.Engine, components.Classifier, components.Reloader, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runRecommend() {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load the snapshot directly)")
	k := fs.Int("k", -1, "number of recommendations (-1 = server default)")
	randomness := fs.Float64("randomness", -1, "randomness in [0, 1] (-1 = server default)")
	strategy := fs.String("strategy", "", "selection strategy override: deterministic, proportional or semirandom")
	image := fs.String("image", "", "classify this image first and recommend from its embedding (needs --server)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: stylematch recommend [flags] <embedding>\n       stylematch recommend [flags] --image look.jpg\n\n")
		fmt.Fprintf(fs.Output(), "The embedding is a comma- or space-separated list of floats.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(flagsFirst(os.Args[2:]))

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	req := &models.RecommendRequest{Strategy: *strategy}
	if *k >= 0 {
		req.K = k
	}
	if *randomness >= 0 {
		req.Randomness = randomness
	}

	ctx := context.Background()
	var client *cli.Client
	if *serverURL != "" {
		client = cli.NewClient(*serverURL, 0)
	}
	switch {
	case *image != "":
		if client == nil {
			fmt.Fprintln(os.Stderr, "--image requires --server")
			os.Exit(1)
		}
		pred, err := client.Classify(ctx, *image)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Classify failed: %v\n", err)
			os.Exit(1)
		}
		if format == cli.OutputText {
			_ = cli.WritePrediction(os.Stdout, pred, format)
		}
		req.Embedding = pred.Embedding
	default:
		vec, err := embeddingFromArgs(fs.Args())
		if err != nil {
			fs.Usage()
			fmt.Fprintf(os.Stderr, "\nInvalid embedding: %v\n", err)
			os.Exit(1)
		}
		req.Embedding = vec
	}

	var response *models.RecommendResponse
	if client != nil {
		response, err = client.Recommend(ctx, req)
	} else {
		response, err = recommendDirect(ctx, *configPath, req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Recommend failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteRecommendations(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// recommendDirect loads the configured snapshot in-process and serves one request.
func recommendDirect(ctx context.Context, configPath string, req *models.RecommendRequest) (*models.RecommendResponse, error) {
	cfg, _ := mustConfig(configPath)
	logger := mustLogger(cfg.Debug)
	defer logger.Sync()
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	if _, _, err := components.Reloader.Reload(ctx); err != nil {
		return nil, err
	}
	return components.Engine.Recommend(ctx, req)
}

func runClassify() {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = call the model server directly)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(flagsFirst(os.Args[2:]))
	if fs.NArg() < 1 {
		fmt.Println("Usage: stylematch classify [flags] <image>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	var pred *models.Prediction
	if *serverURL != "" {
		pred, err = cli.NewClient(*serverURL, 0).Classify(ctx, fs.Arg(0))
	} else {
		cfg, _ := mustConfig(*configPath)
		var data []byte
		data, err = os.ReadFile(fs.Arg(0))
		if err == nil {
			pred, err = newClassifier(cfg, nil).Classify(ctx, filepath.Base(fs.Arg(0)), "", data)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Classify failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WritePrediction(os.Stdout, pred, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read the artifact directory)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var status *models.StatusResponse
	if *serverURL != "" {
		status, err = cli.NewClient(*serverURL, 0).Status(context.Background())
	} else {
		cfg, _ := mustConfig(*configPath)
		status, err = statusDirect(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// statusDirect describes the snapshot in the configured artifact directory
// from its manifest, without loading the index.
func statusDirect(cfg *config.Config) (*models.StatusResponse, error) {
	dir := cfg.Storage.ArtifactDir
	m, err := storage.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	status := &models.StatusResponse{
		SnapshotVersion: m.Version,
		DatasetSize:     m.Items,
		Dimension:       m.Dimension,
		Metric:          m.Metric,
		IndexType:       m.IndexType,
		Trees:           m.Trees,
		BuiltAt:         m.BuiltAt,
		Config: models.StatusConfig{
			Strategy:       cfg.Recommend.Strategy,
			Randomness:     cfg.Recommend.Randomness,
			Presort:        cfg.Recommend.Presort,
			DefaultK:       cfg.Recommend.DefaultK,
			MaxK:           cfg.Recommend.MaxK,
			SearchK:        cfg.Index.SearchK,
			ArtifactDir:    dir,
			ArtifactSource: cfg.Artifact.Source,
			MetadataFormat: m.MetadataFormat,
		},
	}
	if n, err := storage.SnapshotUsageBytes(dir, m); err == nil {
		status.DiskUsageBytes = n
	}
	return status, nil
}

func runReload() {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[2:])

	out, err := cli.NewClient(*serverURL, 0).Reload(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
		os.Exit(1)
	}
	if swapped, _ := out["reloaded"].(bool); swapped {
		fmt.Printf("Reloaded snapshot %v\n", out["snapshot_version"])
		return
	}
	fmt.Printf("Snapshot %v already active\n", out["snapshot_version"])
}

// Components holds initialized services.
type Components struct {
	Holder     *catalog.Holder
	Reloader   *catalog.Reloader
	Retrieval  *retrieval.Service
	Engine     *recommend.Engine
	Classifier classifier.Classifier
}

// initializeComponents wires the serving stack. No snapshot is loaded yet;
// callers run Reloader.Reload.
func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	source, err := artifact.NewSource(cfg.Artifact, cfg.Storage.ArtifactDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact source: %w", err)
	}
	holder := catalog.NewHolder(nil)
	reloader := catalog.NewReloader(holder, source,
		catalog.WithLogger(logger),
		catalog.WithLoadOptions(catalog.LoadOptions{Dimension: cfg.Index.Dimensions, Metric: cfg.Index.Metric}),
	)

	svc := retrieval.NewService(holder,
		retrieval.WithSearchK(cfg.Index.SearchK),
		retrieval.WithMetrics(retrieval.NewBasicMetricsCollector()),
		retrieval.WithLogger(logger),
	)

	policy, err := newPolicy(&cfg.Recommend)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("selection policy initialized",
			zap.String("strategy", string(policy.Strategy())),
			zap.Float64("randomness", cfg.Recommend.Randomness),
			zap.Bool("presort", policy.Presort()))
	}

	return &Components{
		Holder:     holder,
		Reloader:   reloader,
		Retrieval:  svc,
		Engine:     recommend.NewEngine(svc, policy, &cfg.Recommend, logger),
		Classifier: newClassifier(cfg, logger),
	}, nil
}

func newPolicy(cfg *config.RecommendConfig) (*selection.Policy, error) {
	strategy, err := selection.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	opts := []selection.Option{selection.WithPresort(cfg.Presort)}
	if cfg.Seed != nil {
		opts = append(opts, selection.WithSeed(*cfg.Seed))
	}
	return selection.NewPolicy(strategy, opts...), nil
}

func newClassifier(cfg *config.Config, logger *zap.Logger) classifier.Classifier {
	client := classifier.NewClient(cfg.Classifier.URL,
		classifier.WithToken(cfg.Classifier.Token),
		classifier.WithTimeout(time.Duration(cfg.Classifier.TimeoutSecs)*time.Second),
		classifier.WithRateLimit(cfg.Classifier.MaxRPS, cfg.Classifier.Burst),
		classifier.WithLogger(logger),
	)
	if cfg.Classifier.CacheSize > 0 {
		return classifier.NewCachedClassifier(client, cfg.Classifier.CacheSize)
	}
	return client
}

// embeddingFromArgs joins positional args so "0.1 0.2", "0.1,0.2" and
// "[0.1, 0.2]" all parse the same.
func embeddingFromArgs(args []string) ([]float32, error) {
	var parts []string
	for _, a := range args {
		for _, f := range strings.FieldsFunc(a, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			parts = append(parts, f)
		}
	}
	return catalog.ParseEmbedding(strings.Join(parts, ","))
}

// flagsFirst moves any flags (and their values) that appear after the positional
// arguments to the front so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument, so "stylematch build catalog.csv -trees 10"
// would otherwise leave -trees unparsed. Negative numbers are positional.
func flagsFirst(args []string) []string {
	for i, a := range args {
		if isFlag(a) {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func isFlag(a string) bool {
	if len(a) < 2 || a[0] != '-' {
		return false
	}
	c := a[1]
	return c != '.' && (c < '0' || c > '9')
}

func printUsage() {
	fmt.Println(`stylematch - Fashion style recommendations over an ANN catalog index

Usage:
  stylematch build [flags] <catalog>      Build index + metadata artifacts from a CSV/XLSX export
  stylematch server [flags]               Start the HTTP server
  stylematch recommend [flags] <vector>   Recommend catalog items for an embedding
  stylematch classify [flags] <image>     Predict the style of an image
  stylematch status [flags]               Show the active snapshot and serving config
  stylematch reload [flags]               Ask the server to reload its artifacts
  stylematch version                      Show version
  stylematch help                         Show this help

Build Flags:
  --config string    Config file path (default: /usr/local/etc/stylematch/config.yaml)
  --output string    Artifact directory (default: storage.artifact_dir)
  --trees int        Number of trees (default: index.trees, 50)
  --column string    Embedding column (default: embedding)
  --format string    Metadata format: json or sqlite
  --seed int         Reproducible tree construction
  --keep-old         Keep previous artifact versions
  --publish          Upload to the configured MinIO bucket after building

Server Flags:
  --config string    Config file path
  --debug            Enable debug logging

Recommend Flags:
  --server string    Server URL (default: http://localhost:8000). Use --server "" to load the snapshot directly.
  --k int            Number of recommendations (default from config, 5)
  --randomness float Randomness in [0, 1]
  --strategy string  deterministic, proportional or semirandom
  --image string     Classify an image first and use its embedding
  --output string    Output format: text, compact, or json

Classify / Status Flags:
  --server string    Server URL (default: http://localhost:8000)
  --output string    Output format

Examples:
  stylematch build --trees 50 styles.csv
  stylematch build --publish catalog.xlsx
  stylematch server
  stylematch recommend --image look.jpg --k 10 --randomness 0.3
  stylematch recommend --server "" --output json "0.12,0.5,0.33"
  stylematch classify look.jpg
  stylematch status --output json`)
}
