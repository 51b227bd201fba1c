package main

import (
	"fmt"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show counters, latencies, and a per-level size graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			snap := db.Metrics()
			fmt.Printf("puts=%d deletes=%d batches=%d flushes=%d compactions=%d tombstones_dropped=%d\n",
				snap.Puts, snap.Deletes, snap.Batches, snap.Flushes, snap.Compactions, snap.TombstonesDropped)
			fmt.Printf("bytes_written=%d bytes_read=%d\n", snap.BytesWritten, snap.BytesRead)
			fmt.Printf("p99 write=%s get=%s seek=%s\n", snap.WriteLatencyP99, snap.GetLatencyP99, snap.SeekLatencyP99)

			files := db.Levels()
			var maxLevel int
			for _, f := range files {
				if f.Level > maxLevel {
					maxLevel = f.Level
				}
			}
			levelBytes := make([]float64, maxLevel+1)
			for _, f := range files {
				levelBytes[f.Level] += float64(f.Size)
			}
			if len(levelBytes) > 1 {
				graph := asciigraph.Plot(levelBytes,
					asciigraph.Height(10),
					asciigraph.Caption("bytes per level (L0..Lmax)"))
				fmt.Println(graph)
			}
			return nil
		},
	}
}
