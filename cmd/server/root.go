package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/crystal-mush/gotinymud/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newRootCmd builds the command tree. Every flag can also be set through
// a MUD_* environment variable: --bolt is MUD_BOLT, --web-port is
// MUD_WEB_PORT, and so on.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MUD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "gotinymud",
		Short:         "GoTinyMUD: a scriptable text-world server",
		Long:          "gotinymud runs a multi-user text world whose commands and hooks are Lua script units that can be reloaded while players stay connected.",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
				return err
			}
			if v.GetBool("debug") {
				server.SetTrace(true)
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("conf", "", "path to game config file (env: MUD_CONF)")
	pf.String("bolt", "", "path to bbolt database, overrides config (env: MUD_BOLT)")
	pf.Bool("debug", false, "enable debug logging (env: MUD_DEBUG)")

	rootCmd.AddCommand(
		newServeCmd(v),
		newUnitsCmd(v),
		newSocialsCmd(v),
		newBackupCmd(v),
		newArchiveCmd(v),
	)
	return rootCmd
}

// loadConf reads the config file, if any, then applies flag and
// environment overrides.
func loadConf(v *viper.Viper) (*server.GameConf, error) {
	gc := server.DefaultGameConf()
	if path := v.GetString("conf"); path != "" {
		var err error
		if gc, err = server.LoadGameConf(path); err != nil {
			return nil, err
		}
		log.Printf("Loaded game config from %s", path)
	}

	if v.IsSet("bolt") && v.GetString("bolt") != "" {
		gc.BoltPath = v.GetString("bolt")
	}
	if v.IsSet("port") {
		gc.Port = v.GetInt("port")
	}
	if v.IsSet("scripts") {
		gc.ScriptDir = v.GetString("scripts")
	}
	if v.IsSet("watch") {
		gc.WatchScripts = v.GetBool("watch")
	}
	if v.IsSet("socials-db") {
		gc.SocialsDB = v.GetString("socials-db")
	}
	if v.IsSet("help-file") {
		gc.HelpFile = v.GetString("help-file")
	}
	if v.IsSet("archive-dir") {
		gc.ArchiveDir = v.GetString("archive-dir")
	}
	if v.IsSet("web") {
		gc.WebEnabled = v.GetBool("web")
	}
	if v.IsSet("web-port") {
		gc.WebPort = v.GetInt("web-port")
	}
	if v.IsSet("jwt-secret") {
		gc.JWTSecret = v.GetString("jwt-secret")
	}
	if v.IsSet("tls") {
		gc.TLS = v.GetBool("tls")
	}
	if v.IsSet("tls-port") {
		gc.TLSPort = v.GetInt("tls-port")
	}
	if v.IsSet("tls-cert") {
		gc.TLSCert = v.GetString("tls-cert")
	}
	if v.IsSet("tls-key") {
		gc.TLSKey = v.GetString("tls-key")
	}
	if v.IsSet("cleartext") {
		b := v.GetBool("cleartext")
		gc.Cleartext = &b
	}

	if v.IsSet("tls-domain") {
		gc.TLSDomain = v.GetString("tls-domain")
	}

	if gc.TLS && (gc.TLSCert == "") != (gc.TLSKey == "") {
		return nil, fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return gc, nil
}

// openStore opens the bolt database named by the config, creating its
// directory on first use.
func openStore(gc *server.GameConf) (*boltstore.Store, error) {
	if gc.BoltPath == "" {
		return nil, fmt.Errorf("no bolt database configured (--bolt or bolt_path)")
	}
	if dir := filepath.Dir(gc.BoltPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return boltstore.Open(gc.BoltPath)
}

// loadWorld reads the stored world, seeding a single starting room into
// an empty store.
func loadWorld(store *boltstore.Store) (*gamedb.Database, error) {
	world := gamedb.NewDatabase()
	if store.HasWorld() {
		if err := store.LoadWorld(world); err != nil {
			return nil, fmt.Errorf("loading world: %w", err)
		}
		log.Printf("World loaded from %s: %d entities", store.Path(), world.Count())
		return world, nil
	}

	room := world.Create("The Commons", gamedb.TypeRoom, gamedb.Nothing)
	if err := world.SetDescription(room, "A quiet square. Nothing has been built here yet."); err != nil {
		return nil, err
	}
	if err := store.SaveWorld(world); err != nil {
		return nil, fmt.Errorf("seeding world: %w", err)
	}
	if err := store.SetStartRoom(room); err != nil {
		return nil, err
	}
	log.Printf("Seeded an empty world with starting room #%d", room)
	return world, nil
}
