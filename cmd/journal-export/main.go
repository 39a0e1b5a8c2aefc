// Command journal-export writes journal records from the order database
// to a Parquet file for offline analysis.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/ksred/klear-oms/internal/config"
	"github.com/ksred/klear-oms/internal/database"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dbPath := flag.String("db", "", "journal database; defaults to the configured path")
	out := flag.String("out", "journal.parquet", "output Parquet file")
	symbol := flag.String("symbol", "", "only export this symbol")
	orderID := flag.String("order", "", "only export this order")
	kind := flag.String("kind", "", "only export FILL or STATE records")
	since := flag.Duration("since", 0, "only export records newer than this")
	flag.Parse()

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		path = cfg.Database.Path
	}

	filter := journal.Filter{
		OrderID: *orderID,
		Symbol:  strings.ToUpper(*symbol),
		Kind:    journal.Kind(strings.ToUpper(*kind)),
	}
	if filter.Kind != "" && filter.Kind != journal.KindFill && filter.Kind != journal.KindState {
		log.Fatal().Str("kind", *kind).Msg("kind must be FILL or STATE")
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatal().Err(err).Str("database", path).Msg("Failed to open database")
	}

	n, err := journal.ExportParquet(context.Background(), journal.NewStore(db), filter, *out)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}
	log.Info().
		Int("records", n).
		Str("database", path).
		Str("out", *out).
		Msg("Journal exported")
}
