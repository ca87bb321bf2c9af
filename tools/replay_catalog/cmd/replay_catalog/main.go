package main

import (
	"flag"
	"fmt"
	"os"

	"owg/server/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing session recordings")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (schema %d, protocol %s)\n", entry.Dir, entry.Header.SchemaVersion, entry.Header.Protocol)
		fmt.Printf("  seed: %s\n", entry.Header.Seed)
		fmt.Printf("  created: %s, start tick %d\n", entry.Header.CreatedAt, entry.Header.StartTick)
		if entry.Error != "" {
			fmt.Printf("  error: %s\n", entry.Error)
			continue
		}
		fmt.Printf("  commands: %d through tick %d\n", entry.Commands, entry.LastTick)
		fmt.Printf("  log: %s\n", entry.ReplayPath)
	}
}
