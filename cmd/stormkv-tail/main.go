package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stormkv/client"
	"stormkv/journal"
	"stormkv/protocol"
)

// stormkv-tail subscribes to the replication stream of a server and
// prints every journal command as it arrives.
func main() {
	host := flag.String("host", "localhost:6480", "Server address")
	home := flag.String("home", ".", "Path to home directory containing certs/")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	var logger *slog.Logger
	if *debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var cl *client.Client
	var err error
	caPath := filepath.Join(*home, "certs", "ca.crt")
	if _, statErr := os.Stat(caPath); statErr == nil {
		cl, err = client.NewTLSClientHelper(*host, caPath,
			filepath.Join(*home, "certs", "client.crt"),
			filepath.Join(*home, "certs", "client.key"), logger)
	} else {
		cl, err = client.NewClient(client.Config{
			Address:        *host,
			ConnectTimeout: 5 * time.Second,
			Logger:         logger,
		})
	}
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	fmt.Printf("Tailing journal of %s...\n", *host)
	err = cl.Subscribe(func(shardID uint32, entries []journal.Entry) error {
		for _, e := range entries {
			switch e.Op {
			case protocol.OpJournalLSN:
				fmt.Printf("shard=%d lsn=%d (heartbeat)\n", shardID, e.LSN)
			default:
				fmt.Printf("shard=%d lsn=%d db=%d slot=%d %s argc=%d\n",
					shardID, e.LSN, e.DbIndex, e.Slot, e.Cmd, len(e.Args))
			}
		}
		return nil
	})
	if err != nil {
		fmt.Printf("Stream ended: %v\n", err)
		os.Exit(1)
	}
}
