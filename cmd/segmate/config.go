package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/urfave/cli/v2"

	"github.com/HayatoShiba/segmate/config"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the effective configuration and the derived capacities",
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			values := map[string]any{}
			if loader, ok := c.App.Metadata[metaLoader].(*config.Loader); ok {
				values = loader.All()
			}
			values["log.level"] = cfg.Log.Level
			w := c.App.Writer
			for _, key := range slices.Sorted(maps.Keys(values)) {
				fmt.Fprintf(w, "%s = %v\n", key, values[key])
			}
			fmt.Fprintf(w, "# shared snapshot slots = %d\n", cfg.NumSharedSnapshotSlots())
			fmt.Fprintf(w, "# in progress ids per descriptor = %d\n", cfg.XipEntryCount())
			fmt.Fprintf(w, "# snapshot dump ring = %d\n", config.SnapshotDumpArraySize)
			fmt.Fprintf(w, "# slot retries = %d every %s\n", cfg.RetryPolicy().MaxRetries, cfg.RetryPolicy().Interval)
			return nil
		},
	}
}
