package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"owg/server/internal/replay"
	"owg/server/tools/headless"
)

func main() {
	seed := flag.String("seed", "W-2025-08-A", "world seed")
	ticks := flag.Uint64("ticks", 600, "number of steps to run")
	interval := flag.Uint64("snapshot-interval", 10, "print a fingerprint every N ticks")
	replayPath := flag.String("replay", "", "replay file or recording directory to inject")
	generate := flag.String("generate", "", "write a deterministic random replay to this path and exit")
	perTick := flag.Int("commands-per-tick", 1, "commands per tick when generating")
	flag.Parse()

	if *generate != "" {
		//1.- Generation mode only writes the script.
		entries := headless.Generate(headless.GenerateOptions{Seed: *seed, Ticks: *ticks, PerTick: *perTick})
		file, err := os.Create(*generate)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		if err := headless.WriteEntries(file, entries); err != nil {
			file.Close()
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		if err := file.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "wrote %d commands to %s\n", len(entries), *generate)
		return
	}

	var schedule *replay.Schedule
	if *replayPath != "" {
		var err error
		if info, statErr := os.Stat(*replayPath); statErr == nil && info.IsDir() {
			_, schedule, err = replay.LoadRecording(*replayPath)
		} else {
			schedule, err = replay.Load(*replayPath)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	result, err := headless.Run(headless.Options{
		Seed:             *seed,
		Ticks:            *ticks,
		SnapshotInterval: *interval,
		Schedule:         schedule,
		Out:              os.Stdout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	summary, err := json.Marshal(result.Final)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	fmt.Fprintf(os.Stderr, "final %s after %d deltas, %d scheduled commands\n", summary, result.Deltas, result.Scheduled)
}
