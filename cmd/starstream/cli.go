package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pyropy/starstream/core/config"
	"github.com/pyropy/starstream/core/reportstore"
	"github.com/pyropy/starstream/core/simulation"
	"github.com/pyropy/starstream/lib/logger"
	"github.com/urfave/cli/v2"
)

var storeFlag = &cli.StringFlag{
	Name:    "store",
	Value:   ".starstream",
	Usage:   "Directory of the run report archive",
	EnvVars: []string{"STARSTREAM_STORE"},
}

var formatFlag = &cli.StringFlag{
	Name:  "format",
	Value: string(FormatText),
	Usage: "Output format: text, json or yaml",
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run one simulation and archive its report",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a yaml config file",
		},
		storeFlag,
		formatFlag,
		&cli.BoolFlag{
			Name:  "no-store",
			Usage: "Do not archive the report",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "Overrides the configured seed",
		},
		&cli.IntFlag{
			Name:  "nodes",
			Usage: "Overrides the configured number of nodes",
		},
		&cli.Int64Flag{
			Name:  "end",
			Usage: "Overrides the configured end time",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Overrides the configured log level",
		},
		&cli.BoolFlag{
			Name:  "stores",
			Usage: "Include per-node store contents in the output",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return err
		}

		if ctx.IsSet("seed") {
			cfg.Seed = ctx.Int64("seed")
		}
		if ctx.IsSet("nodes") {
			cfg.Nodes = ctx.Int("nodes")
		}
		if ctx.IsSet("end") {
			cfg.EndTime = ctx.Int64("end")
		}
		if ctx.IsSet("log-level") {
			cfg.Log.Level = ctx.String("log-level")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		r, err := NewRenderer(ctx.String("format"), os.Stdout)
		if err != nil {
			return err
		}

		log, err := logger.NewWithLevel("starstream", cfg.Log.Level)
		if err != nil {
			return err
		}
		defer log.Sync()

		sim := simulation.New(cfg, log)
		report, runErr := sim.Run()

		if !ctx.Bool("no-store") {
			store, err := reportstore.New(ctx.String("store"))
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Put(context.Background(), report); err != nil {
				return err
			}
			log.Infow("cli", "event", "report archived", "run", report.RunID, "store", ctx.String("store"))
		}

		if !ctx.Bool("stores") {
			report.Stores = nil
		}

		if err := r.Report(&report); err != nil {
			return err
		}

		return runErr
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "List archived runs",
	Flags: []cli.Flag{
		storeFlag,
		formatFlag,
	},
	Action: func(ctx *cli.Context) error {
		r, err := NewRenderer(ctx.String("format"), os.Stdout)
		if err != nil {
			return err
		}

		store, err := reportstore.New(ctx.String("store"))
		if err != nil {
			return err
		}
		defer store.Close()

		reports, err := store.All(context.Background())
		if err != nil {
			return err
		}

		return r.List(reports)
	},
}

var showCmd = &cli.Command{
	Name:  "show",
	Usage: "Show an archived run report",
	Flags: []cli.Flag{
		storeFlag,
		formatFlag,
		&cli.StringFlag{
			Name:     "run-id",
			Required: true,
			Usage:    "Id of the run to show",
		},
		&cli.BoolFlag{
			Name:  "stores",
			Usage: "Include per-node store contents",
		},
	},
	Action: func(ctx *cli.Context) error {
		r, err := NewRenderer(ctx.String("format"), os.Stdout)
		if err != nil {
			return err
		}

		store, err := reportstore.New(ctx.String("store"))
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Get(context.Background(), ctx.String("run-id"))
		if err != nil {
			return fmt.Errorf("show %s: %w", ctx.String("run-id"), err)
		}

		if !ctx.Bool("stores") {
			report.Stores = nil
		}

		return r.Report(report)
	},
}
