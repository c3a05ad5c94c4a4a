package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/crystal-mush/gotinymud/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot the world and accept connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	f := cmd.Flags()
	f.Int("port", 0, "telnet port (env: MUD_PORT)")
	f.String("scripts", "", "script directory imported at boot (env: MUD_SCRIPTS)")
	f.Bool("watch", false, "watch the script directory and queue edited units (env: MUD_WATCH)")
	f.String("socials-db", "", "SQLite file holding the socials table (env: MUD_SOCIALS_DB)")
	f.String("help-file", "", "help topic file consulted by the help command (env: MUD_HELP_FILE)")
	f.Bool("web", false, "enable the HTTP/websocket listener (env: MUD_WEB)")
	f.Int("web-port", 0, "HTTP listener port (env: MUD_WEB_PORT)")
	f.String("jwt-secret", "", "secret for signing API tokens (env: MUD_JWT_SECRET)")
	f.Bool("cleartext", true, "enable the plaintext telnet listener (env: MUD_CLEARTEXT)")
	f.Bool("tls", false, "enable the TLS telnet listener (env: MUD_TLS)")
	f.Int("tls-port", 0, "TLS port, default port+1 (env: MUD_TLS_PORT)")
	f.String("tls-cert", "", "TLS certificate file (env: MUD_TLS_CERT)")
	f.String("tls-key", "", "TLS private key file (env: MUD_TLS_KEY)")
	f.String("tls-domain", "", "request an ACME certificate for this host, TLS port must be 443 (env: MUD_TLS_DOMAIN)")
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	log.Printf("Welcome to %s", server.VersionString())

	gc, err := loadConf(v)
	if err != nil {
		return err
	}
	store, err := openStore(gc)
	if err != nil {
		return err
	}
	world, err := loadWorld(store)
	if err != nil {
		store.Close()
		return err
	}

	if gc.ScriptDir != "" {
		changed, err := server.ImportUnits(store, gc.ScriptDir)
		if err != nil {
			log.Printf("WARNING: importing scripts: %v", err)
		} else if len(changed) > 0 {
			log.Printf("Imported %d changed unit(s) from %s", len(changed), gc.ScriptDir)
		}
	}

	srv := server.NewServer(world, store, gc.ServerConfig())
	defer srv.Game.Close()
	srv.Game.ApplyGameConf(gc)

	if gc.SocialsDB != "" {
		socials, err := server.OpenSQLSocials(gc.SocialsDB, 5)
		if err != nil {
			log.Printf("WARNING: socials disabled, %s: %v", gc.SocialsDB, err)
		} else {
			if err := socials.SeedDefaults(); err != nil {
				log.Printf("WARNING: seeding socials: %v", err)
			}
			srv.Game.SetSocials(socials)
			log.Printf("Socials loaded from %s", socials.Path())
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Printf("Shutting down...")
		srv.Stop()
	}()

	cfg := srv.Config
	switch {
	case cfg.Cleartext && cfg.TLS:
		log.Printf("Starting %s on port %d (cleartext) and %d (TLS)...", gc.MudName, cfg.Port, cfg.TLSPort)
	case cfg.TLS:
		log.Printf("Starting %s on port %d (TLS only)...", gc.MudName, cfg.TLSPort)
	default:
		log.Printf("Starting %s on port %d...", gc.MudName, cfg.Port)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := store.SaveWorld(srv.Game.World); err != nil {
		log.Printf("WARNING: saving world on shutdown: %v", err)
	}
	return nil
}
