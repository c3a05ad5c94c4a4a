package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/crystal-mush/gotinymud/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newUnitsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "Manage stored script units",
	}
	cmd.AddCommand(
		newUnitsImportCmd(v),
		newUnitsListCmd(v),
		newUnitsShowCmd(v),
		newUnitsDeleteCmd(v),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(v *viper.Viper, fn func(*boltstore.Store) error) error {
	gc, err := loadConf(v)
	if err != nil {
		return err
	}
	store, err := openStore(gc)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newUnitsImportCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Store every <scope>/<category>/<name>.lua under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(v, func(store *boltstore.Store) error {
				changed, err := server.ImportUnits(store, args[0])
				if err != nil {
					return err
				}
				for _, id := range changed {
					fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d unit(s) changed\n", len(changed))
				return nil
			})
		},
	}
}

func newUnitsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list [selector]",
		Short: "List stored units, optionally under a scope[/category] selector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sel gamedb.UnitID
			if len(args) == 1 {
				var err error
				if sel, err = gamedb.ParseUnitID(args[0]); err != nil {
					return err
				}
			}
			return withStore(v, func(store *boltstore.Store) error {
				units, err := store.ListUnits(sel)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "UNIT\tVERSION\tUPDATED")
				for _, u := range units {
					fmt.Fprintf(tw, "%s\tv%d\t%s\n", u.ID, u.Version, u.Updated.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
}

func newUnitsShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <scope/category/name>",
		Short: "Print a unit's stored source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := completeUnitID(args[0])
			if err != nil {
				return err
			}
			return withStore(v, func(store *boltstore.Store) error {
				u, err := store.GetUnit(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "-- %s v%d\n%s\n", u.ID, u.Version, u.Source)
				return nil
			})
		},
	}
}

func newUnitsDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scope/category/name>",
		Short: "Remove a unit from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := completeUnitID(args[0])
			if err != nil {
				return err
			}
			return withStore(v, func(store *boltstore.Store) error {
				if err := store.DeleteUnit(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				return nil
			})
		},
	}
}

func completeUnitID(s string) (gamedb.UnitID, error) {
	id, err := gamedb.ParseUnitID(s)
	if err != nil {
		return id, err
	}
	if !id.Complete() {
		return id, fmt.Errorf("%q: expected scope/category/name", s)
	}
	return id, nil
}

func newBackupCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent snapshot of the bolt database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(v, func(store *boltstore.Store) error {
				return store.Backup(args[0])
			})
		},
	}
}
