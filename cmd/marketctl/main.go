// cmd/marketctl/main.go
// Package main implements a command-line client for marketd.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "marketctl",
		Usage:   "Browse, buy and publish datasets through a marketd daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "base URL of the marketd daemon",
				EnvVars: []string{"MARKETD_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "wallet session token",
				EnvVars: []string{"MARKETD_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "network used for explorer links",
				EnvVars: []string{"SUI_NETWORK"},
				Value:   "testnet",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-request timeout",
				Value: 5 * time.Minute,
			},
		},
		Commands: []*cli.Command{
			marketplaceCmd,
			datasetCmd,
			profileCmd,
			quoteCmd,
			buyCmd,
			accessCmd,
			downloadCmd,
			publishCmd,
			listCmd,
			repriceCmd,
			delistCmd,
			activityCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
