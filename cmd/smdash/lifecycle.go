package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/pipeline"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
)

var (
	upOpts       pipeline.UpOptions
	upEntryPoint string
	resAll       bool
	resOrphaned  time.Duration
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run the full workflow: fetch, package, upload, deploy and ship the dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := upOpts
		if upEntryPoint != "" {
			src, err := loadEntryPoint(upEntryPoint)
			if err != nil {
				return err
			}
			opts.EntryPoint = src
		}
		if opts.Push {
			if err := a.resolveAccount(cmd.Context()); err != nil {
				return err
			}
		}
		r, _, err := a.runner(cmd.Context())
		if err != nil {
			return err
		}
		res, err := r.Up(cmd.Context(), opts)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s failed; created resources are recorded, run \"smdash down\" to remove them\n", res.RunID)
			return err
		}
		return printJSON(cmd, res)
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear down every recorded resource, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, l, err := a.runner(cmd.Context())
		if err != nil {
			return err
		}
		before := len(l.ListActive())
		err = r.Down(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d of %d resource(s)\n", before-len(l.ListActive()), before)
		return err
	},
}

var resourcesCmd = &cobra.Command{
	Use:     "resources",
	Aliases: []string{"ls"},
	Short:   "List the resources recorded in the ledger",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := a.ledger()
		if err != nil {
			return err
		}
		var entries []state.Entry
		switch {
		case resOrphaned > 0:
			entries = l.ListOrphaned(resOrphaned)
		case resAll:
			entries = l.ListAll()
		default:
			entries = l.ListActive()
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

func printEntries(w io.Writer, entries []state.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No resources")
		return
	}
	fmt.Fprintf(w, "%-16s  %-56s  %-20s  %s\n", "TYPE", "RESOURCE ID", "CREATED", "STATE")
	for _, e := range entries {
		id := e.ID
		if len(id) > 56 {
			id = id[:53] + "..."
		}
		st := "active"
		if e.CleanedUp {
			st = "removed"
		}
		fmt.Fprintf(w, "%-16s  %-56s  %-20s  %s\n", e.Kind, id, e.CreatedAt.Format(time.RFC3339), st)
	}
}

func init() {
	f := upCmd.Flags()
	f.BoolVar(&upOpts.BuildDashboard, "build", false, "build the dashboard image")
	f.BoolVar(&upOpts.RunLocal, "run-local", false, "build and run the dashboard container locally")
	f.BoolVar(&upOpts.Debug, "debug", false, "run the local dashboard in debug mode")
	f.BoolVar(&upOpts.Push, "push", false, "push the dashboard image to the registry")
	f.Int32Var(&upOpts.DesiredCount, "scale", 0, "scale the dashboard service to this many tasks")
	f.BoolVar(&upOpts.Replace, "replace", false, "update an existing endpoint in place")
	f.StringVar(&upOpts.ArchivePath, "archive", "", "where to write the model archive")
	f.StringVar(&upEntryPoint, "entry-point", "", "inference entry point to bundle instead of the default")

	resourcesCmd.Flags().BoolVar(&resAll, "all", false, "include removed resources")
	resourcesCmd.Flags().DurationVar(&resOrphaned, "orphaned", 0, "only active resources older than this")

	rootCmd.AddCommand(upCmd, downCmd, resourcesCmd)
}
