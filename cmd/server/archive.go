package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/crystal-mush/gotinymud/pkg/archive"
	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/crystal-mush/gotinymud/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newArchiveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Pack or restore the store, socials, scripts, help and config",
	}
	cmd.PersistentFlags().String("archive-dir", "", "directory holding archives (env: MUD_ARCHIVE_DIR)")
	cmd.PersistentFlags().String("socials-db", "", "SQLite file holding the socials table (env: MUD_SOCIALS_DB)")
	cmd.AddCommand(newArchiveCreateCmd(v), newArchiveListCmd(v), newArchiveRestoreCmd(v))
	return cmd
}

func newArchiveCreateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Write a new archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gc, err := loadConf(v)
			if err != nil {
				return err
			}
			store, err := openStore(gc)
			if err != nil {
				return err
			}
			defer store.Close()
			units, err := store.ListUnits(gamedb.UnitID{})
			if err != nil {
				return err
			}

			p := archive.Params{
				BoltSnapshot: store.Backup,
				ScriptDir:    gc.ScriptDir,
				HelpFile:     gc.HelpFile,
				ConfPath:     v.GetString("conf"),
				Dir:          gc.ArchiveDir,
				Server:       server.VersionString(),
				MudName:      gc.MudName,
				Units:        len(units),
			}
			if gc.SocialsDB != "" {
				socials, err := server.OpenSQLSocials(gc.SocialsDB, 5)
				if err != nil {
					return err
				}
				defer socials.Close()
				p.SocialsSnapshot = socials.Snapshot
			}
			path, err := archive.Create(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archive written to %s\n", path)
			return nil
		},
	}
}

func newArchiveListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gc, err := loadConf(v)
			if err != nil {
				return err
			}
			infos, err := archive.List(gc.ArchiveDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ARCHIVE\tTAKEN\tWORLD\tUNITS\tFILES\tBYTES")
			for _, a := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", a.Path, a.Timestamp, a.MudName, a.Units, a.Files, a.Size)
			}
			return tw.Flush()
		},
	}
}

func newArchiveRestoreCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore an archive over the configured paths; stop the server first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := loadConf(v)
			if err != nil {
				return err
			}
			overwrite, _ := cmd.Flags().GetBool("overwrite-conf")
			res, err := archive.Restore(archive.RestoreParams{
				Path:          args[0],
				BoltDest:      gc.BoltPath,
				SocialsDest:   gc.SocialsDB,
				ScriptDest:    gc.ScriptDir,
				HelpDest:      gc.HelpFile,
				ConfDest:      v.GetString("conf"),
				OverwriteConf: overwrite,
			})
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) restored\n", res.Restored)

			// Confirm the restored store opens before reporting success.
			store, err := boltstore.Open(gc.BoltPath)
			if err != nil {
				return fmt.Errorf("restored store does not open: %w", err)
			}
			return store.Close()
		},
	}
	cmd.Flags().Bool("overwrite-conf", false, "replace a differing config file with the archived one")
	return cmd
}
