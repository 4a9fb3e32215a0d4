// Command mnemo drives the context memory core from the shell: ingest raw
// materials, recall against a purpose, build a working set, expand items,
// and record feedback. Results print as JSON on stdout.
//
// Usage:
//
//	mnemo ingest -thread T1 -chat chat.txt -diffs changes.patch -logs run.log
//	mnemo recall -thread T1 -purpose "implement token refresh" -budget 4000
//	mnemo workingset -thread T1 -purpose "plan the migration" -budget 2000
//	mnemo expand -item S3 -form full
//	mnemo feedback -item S3 -signal helpful -magnitude 1.0
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/mnemo"
	"github.com/nevindra/mnemo/internal/config"
	"github.com/nevindra/mnemo/observer"
	"github.com/nevindra/mnemo/provider/gemini"
	"github.com/nevindra/mnemo/provider/openaicompat"
	"github.com/nevindra/mnemo/store/postgres"
	"github.com/nevindra/mnemo/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "mnemo:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mnemo <ingest|recall|workingset|expand|feedback> [flags]")
}

func run(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "config file path (default mnemo.toml)")
		workspace  = fs.String("workspace", "", "workspace id (default \"default\")")
		thread     = fs.String("thread", "", "thread id")
		purpose    = fs.String("purpose", "", "purpose text")
		budget     = fs.Int("budget", 4000, "token budget")
		chatPath   = fs.String("chat", "", "chat transcript file")
		diffsPath  = fs.String("diffs", "", "unified diff file")
		logsPath   = fs.String("logs", "", "execution log file")
		itemID     = fs.String("item", "", "item id")
		form       = fs.String("form", "summary", "expand form: summary or full")
		signal     = fs.String("signal", "", "feedback signal")
		magnitude  = fs.Float64("magnitude", 1.0, "feedback magnitude in [-1, 1]")
		canonical  = fs.String("canonical", "", "canonical item id for duplicate feedback")
		comment    = fs.String("comment", "", "feedback comment")
		verbose    = fs.Bool("v", false, "debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(*verbose),
	}))

	ctx := context.Background()

	var provider mnemo.EmbeddingProvider
	switch cfg.Embedding.Provider {
	case "openai-compat":
		provider = openaicompat.NewEmbedding(cfg.Embedding.BaseURL, cfg.Embedding.APIKey,
			cfg.Embedding.ModelID, cfg.Embedding.Dimensions)
	default:
		provider = gemini.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.ModelID,
			cfg.Embedding.Dimensions)
	}

	coreOpts := []mnemo.Option{
		mnemo.WithLogger(logger),
		mnemo.WithRankWeights(cfg.Rank.Weights),
		mnemo.WithPoolSize(cfg.Rank.PoolSize),
		mnemo.WithConsolidationThresholds(cfg.Consolidation.NearThreshold, cfg.Consolidation.ReferThreshold),
		mnemo.WithTokenEstimator(cfg.Estimator()),
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return err
		}
		defer shutdown(ctx)
		provider = observer.WrapEmbedding(provider, inst)
		coreOpts = append(coreOpts,
			mnemo.WithTracer(observer.NewTracer()),
			mnemo.WithMetrics(observer.NewRecorder(inst)))
	}

	var (
		store mnemo.Store
		index mnemo.VectorIndex
	)
	if cfg.Database.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		store, index = pg, pg
	} else {
		sq := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		store, index = sq, sq
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()

	gateway := mnemo.NewGateway(provider, cfg.Embedding.ModelID,
		mnemo.GatewayBatchSize(cfg.Embedding.BatchSize),
		mnemo.GatewayLogger(logger))
	core := mnemo.New(store, index, gateway, coreOpts...)

	switch command {
	case "ingest":
		materials, err := readMaterials(*chatPath, *diffsPath, *logsPath)
		if err != nil {
			return err
		}
		res, err := core.Ingest(ctx, *workspace, *thread, materials)
		if err != nil {
			return err
		}
		return emit(res)

	case "recall":
		res, err := core.Recall(ctx, *workspace, *thread, *purpose, *budget, mnemo.Filter{})
		if err != nil {
			return err
		}
		return emit(res)

	case "workingset":
		ws, err := core.BuildWorkingSet(ctx, *workspace, *thread, *purpose, *budget, mnemo.Filter{})
		if err != nil {
			return err
		}
		return emit(ws)

	case "expand":
		res, err := core.Expand(ctx, *workspace, *itemID, mnemo.ExpandForm(*form))
		if err != nil {
			return err
		}
		return emit(res)

	case "feedback":
		res, err := core.Feedback(ctx, *workspace, *itemID, mnemo.Signal(*signal),
			*magnitude, "cli", *canonical, *comment)
		if err != nil {
			return err
		}
		return emit(res)
	}

	usage()
	return fmt.Errorf("unknown command %q", command)
}

func readMaterials(chatPath, diffsPath, logsPath string) (mnemo.Materials, error) {
	var m mnemo.Materials
	read := func(path string, dst *string) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		*dst = string(data)
		return nil
	}
	if err := read(chatPath, &m.Chat); err != nil {
		return m, err
	}
	if err := read(diffsPath, &m.Diffs); err != nil {
		return m, err
	}
	if err := read(logsPath, &m.Logs); err != nil {
		return m, err
	}
	return m, nil
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
