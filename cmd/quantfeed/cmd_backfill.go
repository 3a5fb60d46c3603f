package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfeed/quantfeed/internal/backfill"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store/postgres"
)

func runBackfill(cmd *cobra.Command, args []string) error {
	exchangeName, _ := cmd.Flags().GetString("exchange")
	symbol, _ := cmd.Flags().GetString("symbol")
	rawType, _ := cmd.Flags().GetString("type")
	rawTF, _ := cmd.Flags().GetString("tf")
	rawFrom, _ := cmd.Flags().GetString("from")
	rawTo, _ := cmd.Flags().GetString("to")

	if exchangeName == "" || symbol == "" || rawFrom == "" {
		return fmt.Errorf("--exchange, --symbol, and --from are required")
	}
	dataType, err := model.ParseDataType(rawType)
	if err != nil {
		return err
	}
	tf, err := model.ParseTimeframe(rawTF)
	if err != nil {
		return err
	}
	from, err := time.Parse(time.RFC3339, rawFrom)
	if err != nil {
		return fmt.Errorf("parse --from: %w", err)
	}
	to := time.Now().UTC()
	if rawTo != "" {
		if to, err = time.Parse(time.RFC3339, rawTo); err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
	}
	if !to.After(from) {
		return fmt.Errorf("--to must be after --from")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	id, err := backfill.Enqueue(ctx, postgres.New(db), exchangeName, symbol, dataType, tf, from, to)
	if err != nil {
		return err
	}
	fmt.Printf("task %d enqueued: %s %s/%s %s %s..%s\n",
		id, dataType, exchangeName, symbol, tf,
		from.Format(time.RFC3339), to.Format(time.RFC3339))
	return nil
}
