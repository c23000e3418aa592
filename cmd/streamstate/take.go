package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/devrev/pairdb/streamstate/internal/config"
	"github.com/devrev/pairdb/streamstate/internal/exchange"
	"go.uber.org/zap"
)

const takeUsage = "usage: streamstate take <addr> <task_id> <sink_id>"

// runTake drains one sink of a remote task and logs what it received.
func runTake(cfg *config.Config, logger *zap.Logger, args []string) error {
	if len(args) != 3 {
		return errors.New(takeUsage)
	}
	sinkID, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid sink id %q: %w", args[2], err)
	}
	id := exchange.TaskSinkID{TaskID: args[1], SinkID: uint32(sinkID)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := exchange.NewSourceFactory(nil, "", cfg.Exchange.ConnectTimeout, nil, exchange.WithLogger(logger))
	source, err := factory.Create(ctx, args[0], id)
	if err != nil {
		return err
	}
	defer source.Close()

	chunks, rows := 0, 0
	for {
		chunk, err := source.TakeData(ctx)
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		chunks++
		rows += chunk.Cardinality()
		logger.Debug("Chunk received", zap.Int("rows", chunk.Cardinality()))
	}

	logger.Info("Sink drained",
		zap.String("addr", args[0]),
		zap.Stringer("sink", id),
		zap.Int("chunks", chunks),
		zap.Int("rows", rows))
	return nil
}
