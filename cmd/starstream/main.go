package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "starstream:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "starstream",
		Usage: "simulate chunk dissemination of a live stream over a gossip overlay",
		Commands: []*cli.Command{
			runCmd,
			listCmd,
			showCmd,
		},
	}

	return app.Run(args)
}
