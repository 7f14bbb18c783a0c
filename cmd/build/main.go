// Command build runs one batch of the point-in-time feature builder: it
// stages the order log, validates it, folds per-user histories into feature
// rows and publishes the run manifest.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"pfb/internal/logging"
	"pfb/internal/manifest"
	"pfb/internal/metrics"
	"pfb/internal/pipeline"
	"pfb/internal/rejectlog"
	"pfb/internal/sink"
	"pfb/internal/source"
	"pfb/internal/spool"
)

// Config holds CLI flags for the build job. A YAML file named by -config
// fills in any field whose flag was not set explicitly.
type Config struct {
	// Input
	Input          string `yaml:"input"` // csv|postgres|kafka
	InputDir       string `yaml:"inputDir"`
	PostgresDSN    string `yaml:"postgresDsn"`
	KafkaBootstrap string `yaml:"kafkaBootstrap"`
	GroupID        string `yaml:"groupId"`
	TopicOrders    string `yaml:"topicOrders"`
	TopicLines     string `yaml:"topicLines"`
	TopicProducts  string `yaml:"topicProducts"`
	// Output sinks; any combination, at least one
	OutFile  string `yaml:"outFile"`
	OutTable string `yaml:"outTable"`
	OutTopic string `yaml:"outTopic"`
	// Core
	RowLimit    int  `yaml:"rowLimit"`
	Workers     int  `yaml:"workers"`
	SkipInvalid bool `yaml:"skipInvalid"`
	// Spool
	Spool    string `yaml:"spool"` // memory|badger|pebble
	SpoolDir string `yaml:"spoolDir"`
	// Reject log
	RejectDir   string `yaml:"rejectDir"`
	RejectTopic string `yaml:"rejectTopic"`
	// Manifest
	ManifestDir   string `yaml:"manifestDir"`
	ManifestSink  string `yaml:"manifestSink"` // file|kafka|both
	TopicManifest string `yaml:"topicManifest"`
	// Observability
	HTTPAddr string `yaml:"httpAddr"`
	LogMode  string `yaml:"logMode"`

	ConfigFile string `yaml:"-"`
}

func main() {
	cfg, err := readFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
}

func readFlags(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	fs.StringVar(&cfg.Input, "input", "csv", "input kind: csv|postgres|kafka")
	fs.StringVar(&cfg.InputDir, "input-dir", "./data", "csv input directory")
	fs.StringVar(&cfg.PostgresDSN, "pg-dsn", "", "postgres dsn for input and/or output")
	fs.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", "", "kafka bootstrap servers, e.g. localhost:9092")
	fs.StringVar(&cfg.GroupID, "group-id", "pfb-build", "kafka consumer group id")
	fs.StringVar(&cfg.TopicOrders, "topic-orders", "pfb.orders", "kafka topic for orders")
	fs.StringVar(&cfg.TopicLines, "topic-lines", "pfb.order-lines", "kafka topic for order lines")
	fs.StringVar(&cfg.TopicProducts, "topic-products", "", "kafka topic for the product dimension (optional)")
	fs.StringVar(&cfg.OutFile, "out-file", "./out/features.csv", "feature table CSV path (empty disables)")
	fs.StringVar(&cfg.OutTable, "out-table", "", "postgres feature table name (empty disables)")
	fs.StringVar(&cfg.OutTopic, "out-topic", "", "kafka topic for feature rows (empty disables)")
	fs.IntVar(&cfg.RowLimit, "row-limit", 0, "cap emitted rows at the N smallest by (user, product, snapshot); 0 emits all")
	fs.IntVar(&cfg.Workers, "workers", 4, "build worker count")
	fs.BoolVar(&cfg.SkipInvalid, "skip-invalid", false, "reject affected users and continue instead of aborting on the first validation failure")
	fs.StringVar(&cfg.Spool, "spool", "memory", "spool backend: memory|badger|pebble")
	fs.StringVar(&cfg.SpoolDir, "spool-dir", "./data/spool", "spool directory for badger/pebble")
	fs.StringVar(&cfg.RejectDir, "reject-dir", "./out", "reject log directory")
	fs.StringVar(&cfg.RejectTopic, "reject-topic", "", "kafka topic for reject records (optional)")
	fs.StringVar(&cfg.ManifestDir, "manifest-dir", "./out", "manifest directory")
	fs.StringVar(&cfg.ManifestSink, "manifest-sink", "file", "manifest sink: file|kafka|both")
	fs.StringVar(&cfg.TopicManifest, "topic-manifest", "pfb.manifests", "kafka topic for manifests (compacted)")
	fs.StringVar(&cfg.HTTPAddr, "http", "", "listen address for /metrics and /healthz (empty disables)")
	fs.StringVar(&cfg.LogMode, "log-mode", "dev", "log mode: dev|prod")
	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML config file applied under explicit flags")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		if err := applyConfigFile(fs, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// applyConfigFile overlays YAML values under explicit flags: the file
// overrides flag defaults, flags set on the command line override the file.
// Unmarshalling into a prefilled copy means keys absent from the file keep
// their current value.
func applyConfigFile(fs *flag.FlagSet, cfg *Config) error {
	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	merged := *cfg
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cli := *cfg
	restore := func(name string, dst any, val any) {
		if !set[name] {
			return
		}
		switch d := dst.(type) {
		case *string:
			*d = val.(string)
		case *int:
			*d = val.(int)
		case *bool:
			*d = val.(bool)
		}
	}
	restore("input", &merged.Input, cli.Input)
	restore("input-dir", &merged.InputDir, cli.InputDir)
	restore("pg-dsn", &merged.PostgresDSN, cli.PostgresDSN)
	restore("kafka-bootstrap", &merged.KafkaBootstrap, cli.KafkaBootstrap)
	restore("group-id", &merged.GroupID, cli.GroupID)
	restore("topic-orders", &merged.TopicOrders, cli.TopicOrders)
	restore("topic-lines", &merged.TopicLines, cli.TopicLines)
	restore("topic-products", &merged.TopicProducts, cli.TopicProducts)
	restore("out-file", &merged.OutFile, cli.OutFile)
	restore("out-table", &merged.OutTable, cli.OutTable)
	restore("out-topic", &merged.OutTopic, cli.OutTopic)
	restore("row-limit", &merged.RowLimit, cli.RowLimit)
	restore("workers", &merged.Workers, cli.Workers)
	restore("skip-invalid", &merged.SkipInvalid, cli.SkipInvalid)
	restore("spool", &merged.Spool, cli.Spool)
	restore("spool-dir", &merged.SpoolDir, cli.SpoolDir)
	restore("reject-dir", &merged.RejectDir, cli.RejectDir)
	restore("reject-topic", &merged.RejectTopic, cli.RejectTopic)
	restore("manifest-dir", &merged.ManifestDir, cli.ManifestDir)
	restore("manifest-sink", &merged.ManifestSink, cli.ManifestSink)
	restore("topic-manifest", &merged.TopicManifest, cli.TopicManifest)
	restore("http", &merged.HTTPAddr, cli.HTTPAddr)
	restore("log-mode", &merged.LogMode, cli.LogMode)
	merged.ConfigFile = cli.ConfigFile
	*cfg = merged
	return nil
}

func run(cfg Config) error {
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mreg := metrics.NewRegistry()
	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mreg.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})
		go func() {
			if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
				log.Warnw("metrics endpoint stopped", "err", err)
			}
		}()
	}

	store, closeStore, err := openSpool(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	src, closeSrc, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSrc()

	out, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}

	rej, err := openRejectLog(cfg)
	if err != nil {
		return err
	}

	mani, err := openManifest(cfg)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Config{
		RowLimit:     cfg.RowLimit,
		Workers:      cfg.Workers,
		SkipInvalid:  cfg.SkipInvalid,
		SpoolBackend: cfg.Spool,
	}, log, mreg, store, src, out, rej, mani)

	stats, err := p.Run(ctx)
	if err != nil {
		return err
	}
	log.Infow("run complete",
		"orders", stats.Orders, "lines", stats.Lines, "rows", stats.Rows,
		"usersSeen", stats.UsersSeen, "rejectedUsers", stats.RejectedUsers,
		"rejectedRecords", stats.RejectedRecords, "digest", stats.Digest)
	return nil
}

func openSpool(cfg Config) (spool.Store, func(), error) {
	switch cfg.Spool {
	case "", "memory":
		return spool.NewMemoryStore(), func() {}, nil
	case "badger":
		s, err := spool.NewBadgerStore(cfg.SpoolDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init badger spool: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "pebble":
		s, err := spool.NewPebbleStore(cfg.SpoolDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init pebble spool: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown spool backend %q", cfg.Spool)
}

func openSource(ctx context.Context, cfg Config) (source.Source, func(), error) {
	switch cfg.Input {
	case "csv":
		return source.NewCSVSource(cfg.InputDir), func() {}, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("-pg-dsn is required for postgres input")
		}
		s, err := source.NewPostgresSource(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "kafka":
		if cfg.KafkaBootstrap == "" {
			return nil, nil, fmt.Errorf("-kafka-bootstrap is required for kafka input")
		}
		return source.NewKafkaSource(cfg.KafkaBootstrap, cfg.GroupID, cfg.TopicOrders, cfg.TopicLines, cfg.TopicProducts), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown input kind %q", cfg.Input)
}

func openSinks(ctx context.Context, cfg Config) (sink.Sink, error) {
	var sinks []sink.Sink
	if cfg.OutFile != "" {
		fs, err := sink.NewFileSink(cfg.OutFile)
		if err != nil {
			return nil, fmt.Errorf("init file sink: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if cfg.OutTable != "" {
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("-pg-dsn is required for -out-table")
		}
		ps, err := sink.NewPostgresSink(ctx, cfg.PostgresDSN, cfg.OutTable)
		if err != nil {
			return nil, fmt.Errorf("init postgres sink: %w", err)
		}
		sinks = append(sinks, ps)
	}
	if cfg.OutTopic != "" {
		if cfg.KafkaBootstrap == "" {
			return nil, fmt.Errorf("-kafka-bootstrap is required for -out-topic")
		}
		ks, err := sink.NewKafkaSink(cfg.KafkaBootstrap, cfg.OutTopic)
		if err != nil {
			return nil, fmt.Errorf("init kafka sink: %w", err)
		}
		sinks = append(sinks, ks)
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no output configured: set -out-file, -out-table or -out-topic")
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sink.NewMultiSink(sinks...), nil
}

func openRejectLog(cfg Config) (rejectlog.Writer, error) {
	fw, err := rejectlog.NewFileWriter(cfg.RejectDir, "rejects.jsonl")
	if err != nil {
		return nil, fmt.Errorf("init reject log: %w", err)
	}
	if cfg.RejectTopic == "" {
		return fw, nil
	}
	if cfg.KafkaBootstrap == "" {
		return nil, fmt.Errorf("-kafka-bootstrap is required for -reject-topic")
	}
	return rejectlog.NewMultiWriter(fw, rejectlog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.RejectTopic)), nil
}

func openManifest(cfg Config) (manifest.Publisher, error) {
	fsPub := manifest.NewFilesystemManifest(cfg.ManifestDir)
	switch cfg.ManifestSink {
	case "", "file":
		return fsPub, nil
	case "kafka", "both":
		if cfg.KafkaBootstrap == "" {
			return nil, fmt.Errorf("-kafka-bootstrap is required for manifest sink %q", cfg.ManifestSink)
		}
		kPub := manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicManifest)
		if cfg.ManifestSink == "kafka" {
			return kPub, nil
		}
		return manifest.MultiPublisher(fsPub, kPub), nil
	}
	return nil, fmt.Errorf("unknown manifest sink %q", cfg.ManifestSink)
}
