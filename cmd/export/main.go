// Command export snapshots the gateway's history store to JSON and/or CSV,
// adapted from the teacher's collector snapshot exporter but reading from
// internal/history instead of an in-memory server simulation.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"modbus-gateway/internal/history"
)

func main() {
	var (
		dbPath  string
		outJSON string
		outCSV  string
		timeout time.Duration
	)
	flag.StringVar(&dbPath, "db", "./history.sqlite", "path to the history sqlite database")
	flag.StringVar(&outJSON, "json", "", "path to write a JSON snapshot (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write a CSV snapshot (optional)")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "context timeout for the query")
	flag.Parse()

	if outJSON == "" && outCSV == "" {
		log.Fatalf("no output specified: set -json and/or -csv")
	}

	store, err := history.Open(dbPath, 1)
	if err != nil {
		log.Fatalf("open history store %s: %v", dbPath, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	latest, err := store.Latest(ctx)
	if err != nil {
		log.Fatalf("query latest values: %v", err)
	}

	if outJSON != "" {
		if err := writeJSON(outJSON, latest); err != nil {
			log.Printf("write json: %v", err)
		}
	}
	if outCSV != "" {
		if err := writeCSV(outCSV, latest); err != nil {
			log.Printf("write csv: %v", err)
		}
	}
}

func writeJSON(path string, latest []history.LatestValue) error {
	b, err := json.MarshalIndent(latest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

func writeCSV(path string, latest []history.LatestValue) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"component", "point_id", "value", "raw", "timestamp"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, v := range latest {
		rec := []string{
			v.Component,
			v.PointID,
			fmt.Sprintf("%v", v.Value),
			v.Raw,
			v.Timestamp.Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}
