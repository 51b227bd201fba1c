// Command keldbctl is a command-line client for the keldb storage engine
// (spec's A4): point operations plus manifest/stats introspection, all
// driven through the public DB facade.
package main

import (
	"fmt"
	"os"

	"github.com/keldb/keldb"
	"github.com/spf13/cobra"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "keldbctl",
		Short: "Inspect and operate a keldb database from the command line",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database directory")
	_ = root.MarkPersistentFlagRequired("db")

	root.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newManifestCmd(),
		newStatsCmd(),
		newCompactCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*keldb.DB, error) {
	return keldb.Open(dbPath, &keldb.Options{CreateIfMissing: true})
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Put([]byte(args[0]), []byte(args[1]))
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := db.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(args[0]))
		},
	}
}

func newCompactCmd() *cobra.Command {
	var begin, end string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Force a compaction over [--begin, --end]",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			var b, e []byte
			if begin != "" {
				b = []byte(begin)
			}
			if end != "" {
				e = []byte(end)
			}
			return db.CompactRange(b, e)
		},
	}
	cmd.Flags().StringVar(&begin, "begin", "", "range start (inclusive), unbounded if empty")
	cmd.Flags().StringVar(&end, "end", "", "range end (inclusive), unbounded if empty")
	return cmd
}
