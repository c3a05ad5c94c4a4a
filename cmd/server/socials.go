package main

import (
	"fmt"

	"github.com/crystal-mush/gotinymud/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSocialsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socials",
		Short: "Manage the socials table",
	}
	cmd.PersistentFlags().String("socials-db", "", "SQLite file holding the socials table (env: MUD_SOCIALS_DB)")

	open := func() (*server.SQLSocials, error) {
		gc, err := loadConf(v)
		if err != nil {
			return nil, err
		}
		if gc.SocialsDB == "" {
			return nil, fmt.Errorf("no socials database configured (--socials-db or socials_db)")
		}
		return server.OpenSQLSocials(gc.SocialsDB, 5)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "seed",
			Short: "Store the default socials into an empty table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := open()
				if err != nil {
					return err
				}
				defer s.Close()
				if err := s.SeedDefaults(); err != nil {
					return err
				}
				names, err := s.Names()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d social(s) in %s\n", len(names), s.Path())
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List social names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := open()
				if err != nil {
					return err
				}
				defer s.Close()
				names, err := s.Names()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			},
		},
	)
	return cmd
}
