// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ClusterCockpit/loglens/internal/analytics/anomaly"
	"github.com/ClusterCockpit/loglens/internal/analytics/metrics"
	"github.com/ClusterCockpit/loglens/internal/config"
	"github.com/ClusterCockpit/loglens/internal/event"
	"github.com/ClusterCockpit/loglens/internal/ingest"
	"github.com/ClusterCockpit/loglens/internal/query"
	"github.com/ClusterCockpit/loglens/internal/storage"
	"github.com/ClusterCockpit/loglens/pkg/log"
)

const defaultDBPath = "loglens.db"

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "path to the loglens database file")
	format := fs.String("format", "auto", "log format: auto, json, or text")
	source := fs.String("source", "unknown", "default source for lines that don't carry one")
	defaultLevel := fs.String("level", "INFO", "default level for lines that don't carry one")
	configPath := fs.String("config", "", "optional config file providing metric definitions to evaluate while ingesting")
	strict := fs.Bool("strict", false, "fail on the first malformed line instead of skipping it")
	_ = fs.Bool("gops", false, "listen via github.com/google/gops/agent (for debugging)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("ingest requires a logfile argument")
	}
	logfile := fs.Arg(0)

	f, err := os.Open(logfile)
	if err != nil {
		return fmt.Errorf("opening %s: %w", logfile, err)
	}
	defer f.Close()

	events, ingestErrs := ingest.Ingest(f, ingest.Options{
		Format:        ingest.Format(*format),
		Strict:        *strict,
		DefaultSource: *source,
		DefaultLevel:  *defaultLevel,
	})
	for _, e := range ingestErrs {
		log.Warnf("ingest %s: %v", logfile, e)
	}
	if *strict && len(ingestErrs) > 0 {
		return fmt.Errorf("ingest %s: %v", logfile, ingestErrs[0])
	}

	store, err := storage.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.InsertEvents(events)
	if err != nil {
		return err
	}

	if *configPath != "" {
		if err := evaluateMetricsOnIngest(*configPath, events, store); err != nil {
			return err
		}
	}

	fmt.Printf("ingested %d events from %s (%d errors)\n", len(ids), logfile, len(ingestErrs))
	return nil
}

func evaluateMetricsOnIngest(configPath string, events []event.Event, store *storage.Storage) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	defs, err := cfg.ToMetricDefs()
	if err != nil {
		return err
	}

	proc := metrics.NewWindowProcessor()
	for _, d := range defs {
		if err := proc.Register(d); err != nil {
			return err
		}
	}
	// ProcessEvents streams one MetricResult per event a metric actually
	// matched, not a single end-of-batch snapshot — every update along the
	// way gets its own persisted row.
	streams, err := proc.ProcessEvents(events)
	if err != nil {
		return err
	}
	for _, results := range streams {
		for _, res := range results {
			var value *float64
			if res.GroupedValues == nil && !res.IsEmpty {
				v := res.Value
				value = &v
			}
			if _, err := store.InsertMetric(res.Name, res.WindowStart, res.WindowEnd, value, res.GroupedValues, nil, res.SampleCount); err != nil {
				return err
			}
		}
	}
	return nil
}

func runMetrics(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("metrics requires a list or show subcommand")
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("metrics list", flag.ExitOnError)
		dbPath := fs.String("db", defaultDBPath, "path to the loglens database file")
		fs.Parse(args[1:])

		store, err := storage.Open(*dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.QueryMetrics(storage.MetricFilter{})
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		var header = []string{"metric"}
		var out [][]string
		for _, r := range rows {
			if seen[r.MetricName] {
				continue
			}
			seen[r.MetricName] = true
			out = append(out, []string{r.MetricName})
		}
		renderTable(header, out)
		return nil

	case "show":
		fs := flag.NewFlagSet("metrics show", flag.ExitOnError)
		dbPath := fs.String("db", defaultDBPath, "path to the loglens database file")
		limit := fs.Int("limit", 20, "maximum rows to show")
		fs.Parse(args[1:])
		if fs.NArg() < 1 {
			return fmt.Errorf("metrics show requires a metric name")
		}
		name := fs.Arg(0)

		store, err := storage.Open(*dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.QueryMetrics(storage.MetricFilter{Name: name, Limit: *limit})
		if err != nil {
			return err
		}
		header := []string{"window_end", "value", "samples"}
		var out [][]string
		for _, r := range rows {
			value := "null"
			if r.Value != nil {
				value = strconv.FormatFloat(*r.Value, 'f', -1, 64)
			}
			out = append(out, []string{r.WindowEnd.Format(time.RFC3339), value, strconv.Itoa(len(r.Grouped))})
		}
		renderTable(header, out)
		return nil

	default:
		return fmt.Errorf("metrics: unknown subcommand %q", args[0])
	}
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "path to the loglens database file")
	format := fs.String("format", "table", "output format: table or json")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("query requires a SQL statement argument")
	}
	sqlText := strings.Join(fs.Args(), " ")

	store, err := storage.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	facade := query.NewFacade(store)
	rows, err := facade.ExecuteSQL(sqlText)
	if err != nil {
		return err
	}

	if *format == "json" {
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Values)
		}
		return renderJSON(out)
	}

	if len(rows) == 0 {
		fmt.Println("(no rows)")
		return nil
	}
	header := rows[0].Columns
	var tableRows [][]string
	for _, r := range rows {
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = fmt.Sprint(r.Values[col])
		}
		tableRows = append(tableRows, row)
	}
	renderTable(header, tableRows)
	return nil
}

func runAnomalies(args []string) error {
	fs := flag.NewFlagSet("anomalies", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "path to the loglens database file")
	metricName := fs.String("metric", "", "metric name to scan (required unless --config is given)")
	windowSize := fs.Int("window", anomaly.DefaultConfig().WindowSize, "rolling baseline sample count")
	threshold := fs.Float64("threshold", anomaly.DefaultConfig().Threshold, "z-score threshold")
	minSamples := fs.Int("min-samples", anomaly.DefaultConfig().MinSamples, "minimum samples before detection begins")
	limit := fs.Int("limit", 200, "maximum stored metric rows to scan")
	configPath := fs.String("config", "", "optional config file providing per-metric anomaly settings")
	fs.Parse(args)

	store, err := storage.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	type scanTarget struct {
		name string
		cfg  anomaly.Config
	}
	var targets []scanTarget

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		for _, a := range cfg.ToAnomalyDetectorConfigs() {
			if a.Enabled {
				targets = append(targets, scanTarget{name: a.MetricName, cfg: a.Config})
			}
		}
	} else {
		if *metricName == "" {
			return fmt.Errorf("anomalies requires --metric or --config")
		}
		targets = append(targets, scanTarget{name: *metricName, cfg: anomaly.Config{WindowSize: *windowSize, Threshold: *threshold, MinSamples: *minSamples}})
	}

	header := []string{"metric", "timestamp", "value", "type", "severity", "z_score", "explanation"}
	var out [][]string

	for _, t := range targets {
		rows, err := store.QueryMetrics(storage.MetricFilter{Name: t.name, Limit: *limit})
		if err != nil {
			return err
		}
		// stored rows are newest-first; scan oldest-first so the
		// detector's rolling window advances in submission order.
		detector, err := anomaly.NewDetector(t.name, t.cfg)
		if err != nil {
			return err
		}
		for i := len(rows) - 1; i >= 0; i-- {
			r := rows[i]
			if r.Value == nil {
				continue
			}
			a, found := detector.AddValue(*r.Value, r.WindowEnd)
			if !found {
				continue
			}
			out = append(out, []string{
				a.MetricName,
				a.Timestamp.Format(time.RFC3339),
				strconv.FormatFloat(a.Value, 'f', 2, 64),
				string(a.Type),
				string(a.Severity),
				strconv.FormatFloat(a.ZScore, 'f', 2, 64),
				a.Explanation,
			})
		}
	}

	if len(out) == 0 {
		fmt.Println("no anomalies found")
		return nil
	}
	renderTable(header, out)
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "path to the loglens database file")
	hours := fs.Int("hours", 24, "look-back window in hours")
	sweep := fs.Bool("sweep", false, "delete events/metrics older than the config's retention_days")
	configPath := fs.String("config", "", "config file providing retention_days for --sweep")
	fs.Parse(args)

	store, err := storage.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *sweep {
		if *configPath == "" {
			return fmt.Errorf("--sweep requires --config to read storage.retention_days")
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Storage.RetentionDays)
		deletedEvents, err := store.DeleteOldEvents(cutoff)
		if err != nil {
			return err
		}
		deletedMetrics, err := store.DeleteOldMetrics(cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("swept %d events and %d metric rows older than %s\n", deletedEvents, deletedMetrics, cutoff.Format(time.RFC3339))
		return nil
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(*hours) * time.Hour)
	stats, err := store.GetEventStats(start, end)
	if err != nil {
		return err
	}

	fmt.Printf("total events (last %dh): %d\n\n", *hours, stats.TotalEvents)

	header := []string{"level", "count"}
	var byLevel [][]string
	for level, count := range stats.ByLevel {
		byLevel = append(byLevel, []string{level, strconv.Itoa(count)})
	}
	renderTable(header, byLevel)

	fmt.Println()
	header = []string{"source", "count"}
	var bySource [][]string
	for source, count := range stats.BySource {
		bySource = append(bySource, []string{source, strconv.Itoa(count)})
	}
	renderTable(header, bySource)
	return nil
}

func runConfig(args []string) error {
	if len(args) < 1 || args[0] != "init" {
		return fmt.Errorf("config: unknown subcommand, expected \"init\"")
	}

	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	path := fs.String("path", "loglens.yaml", "path to write the default configuration to")
	fs.Parse(args[1:])

	if err := config.Default().Save(*path); err != nil {
		return err
	}
	fmt.Printf("wrote default configuration to %s\n", *path)
	return nil
}
