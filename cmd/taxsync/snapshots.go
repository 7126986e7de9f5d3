package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yourorg/taxsync/internal/snapshot"
)

func newSnapshotsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List postmortem snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			saved, err := snapshot.List(cfg.Snapshots.Dir)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderSnapshots(saved))
			return nil
		},
	}
	cmd.AddCommand(newSnapshotShowCmd(g))
	return cmd
}

func newSnapshotShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <dir>",
		Short: "Show one snapshot and the requests it recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if !filepath.IsAbs(dir) && filepath.Dir(dir) == "." {
				cfg, _, err := g.load()
				if err != nil {
					return err
				}
				dir = filepath.Join(cfg.Snapshots.Dir, dir)
			}
			s, err := snapshot.Load(dir)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(s))
			return nil
		},
	}
}
