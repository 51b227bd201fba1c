package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "List every sstable in the current version, by level",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			files := db.Levels()
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Level", "File", "Size", "Smallest", "Largest"})
			for _, f := range files {
				table.Append([]string{
					strconv.Itoa(f.Level),
					fmt.Sprintf("%06d", f.FileNum),
					strconv.FormatUint(f.Size, 10),
					string(f.Smallest),
					string(f.Largest),
				})
			}
			table.Render()
			return nil
		},
	}
}
