// Consumer is a demo consumer reading from a Postgres-backed stream
// (pgstream). It polls in a loop, prints record payloads to stdout one per
// line, and commits checkpoints after delivery. This is meant as an example
// of how to wire the library together, not as a production consumer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamkit/streamclient"
	"github.com/streamkit/streamclient/compression"
	"github.com/streamkit/streamclient/fetcher"
	"github.com/streamkit/streamclient/pgstream"
	"github.com/streamkit/streamclient/subscriptions"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config, see streamclient.Config")
	stream := flag.String("stream", "demo", "stream name")
	partitions := flag.Int("partitions", 1, "number of partitions to consume")
	flag.Parse()

	logger := level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), level.AllowInfo())
	logger = log.With(logger, "client_id", uuid.NewString())

	cfg, err := streamclient.LoadConfig(*configPath, "STREAM")
	if err != nil {
		level.Error(logger).Log("msg", "loading config", "err", err)
		os.Exit(1)
	}
	group := cfg.Group
	if group == "" {
		group = "demo-group"
	}

	store, err := pgstream.Open(pgstream.Config{
		DSN:       cfg.Postgres.DSN,
		Table:     cfg.Postgres.Table,
		CursorTTL: cfg.Postgres.CursorTTL,
	})
	if err != nil {
		level.Error(logger).Log("msg", "opening store", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.InitSchema(context.Background()); err != nil {
		level.Error(logger).Log("msg", "creating schema", "err", err)
		os.Exit(1)
	}

	subs := subscriptions.New()
	var assigned []streamclient.StreamPartition
	for i := 0; i < *partitions; i++ {
		assigned = append(assigned, streamclient.StreamPartition{Stream: *stream, Partition: int32(i)})
	}
	subs.Assign(assigned...)

	cursors := streamclient.NewCursorTable()
	f := &fetcher.Fetcher{
		Subscriptions: subs,
		Coordinator: &pgstream.Coordinator{
			Store:         store,
			Group:         group,
			Subscriptions: subs,
			Cursors:       cursors,
			Logger:        logger,
		},
		Transport:                store,
		Cursors:                  cursors,
		MaxPartitionFetchRecords: cfg.Fetch.MaxRecords,
		MaxFetchWorkers:          cfg.Fetch.MaxWorkers,
		PollInterval:             cfg.Fetch.PollInterval,
		Logger:                   logger,
		Registerer:               prometheus.DefaultRegisterer,
	}

	decompressors := compression.Decompressors()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	level.Info(logger).Log("msg", "consuming", "stream", *stream, "partitions", *partitions, "group", group)
	for {
		select {
		case <-sigs:
			level.Info(logger).Log("msg", "shutting down")
			return
		default:
		}
		f.SendFetchRequests()
		for p, records := range f.FetchRecords(time.Second) {
			for _, r := range records {
				data := r.Data
				if d := decompressors[r.Codec]; d != nil {
					if decoded, err := d.Decompress(r.Data); err == nil {
						data = decoded
					}
				}
				fmt.Printf("%s %s %s\n", p, r.SequenceNumber, data)
			}
			if len(records) == 0 {
				continue
			}
			if err := store.CommitCheckpoint(context.Background(), group, p, subs.Position(p)); err != nil {
				level.Error(logger).Log("msg", "committing checkpoint", "partition", p, "err", err)
			}
		}
	}
}
