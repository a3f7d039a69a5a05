// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command loglens is the CLI entry point: ingest, metrics, query,
// anomalies, stats and config subcommands atop the analytics core.
package main

import (
	"fmt"
	"os"

	"github.com/ClusterCockpit/loglens/pkg/log"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not load .env: %v", err)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	if gopsEnabledFor(sub, args) {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Errorf("gops agent: %v", err)
		}
	}

	var err error
	switch sub {
	case "ingest":
		err = runIngest(args)
	case "metrics":
		err = runMetrics(args)
	case "query":
		err = runQuery(args)
	case "anomalies":
		err = runAnomalies(args)
	case "stats":
		err = runStats(args)
	case "config":
		err = runConfig(args)
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "loglens: unknown subcommand %q\n", sub)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "loglens: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: loglens <command> [flags]

commands:
  ingest <logfile>    ingest a log file into the store
  metrics list|show   list stored metric names, show stored values
  query <sql>         run a raw SQL query against the store
  anomalies           scan stored metrics for anomalies
  stats               print event/storage statistics
  config init         write a default configuration file`)
}

// gopsEnabledFor does a light pre-scan for --gops so the agent can be
// started before the subcommand's own flag set is parsed, the same
// two-phase approach cc-backend uses for its --gops flag.
func gopsEnabledFor(_ string, args []string) bool {
	for _, a := range args {
		if a == "--gops" || a == "-gops" {
			return true
		}
	}
	return false
}
