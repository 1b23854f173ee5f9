// Command courier-history reads a store location and two participants as JSON
// from stdin and prints their conversation, oldest message first. It opens
// the store directly, so a bbolt file must not be held by a running courierd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/courier-chat/courier/internal/store"
	"github.com/mama165/sdk-go/logs"
)

type input struct {
	StoreDriver string `json:"store_driver"`
	StorePath   string `json:"store_path"`
	A           string `json:"a"`
	B           string `json:"b"`
	Limit       int    `json:"limit"`
}

type output struct {
	Messages []store.Record `json:"messages"`
}

func main() {
	var in input
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode input: %v\n", err)
		os.Exit(1)
	}
	if in.StoreDriver == "" {
		in.StoreDriver = store.DriverBolt
	}

	ml, err := store.Open(in.StoreDriver, in.StorePath, 0, logs.GetLoggerFromLevel(slog.LevelError))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer ml.Close()

	records, err := ml.History(context.Background(), in.A, in.B, in.Limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		ml.Close()
		os.Exit(1)
	}
	if records == nil {
		records = []store.Record{}
	}

	if err := json.NewEncoder(os.Stdout).Encode(output{Messages: records}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
}
