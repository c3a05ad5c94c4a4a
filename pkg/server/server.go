package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// Config holds listener configuration.
type Config struct {
	Port        int
	IdleTimeout time.Duration
	MaxRetries  int
	WelcomeText string
	Cleartext   bool
	TLS         bool
	TLSPort     int
	TLSCert     string
	TLSKey      string
	TLSDomain   string // ACME certificate for this host when set
	TLSCertDir  string // ACME cache and self-signed certificate
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:        6250,
		IdleTimeout: 3600 * time.Second,
		MaxRetries:  3,
		WelcomeText: WelcomeText,
		Cleartext:   true,
	}
}

// Server is the main TCP game server.
type Server struct {
	Config      Config
	Game        *Game
	listener    net.Listener
	tlsListener net.Listener
	webServer   *WebServer
	watcher     *ScriptWatcher
	cancel      context.CancelFunc
}

// NewServer creates a new server instance.
func NewServer(world *gamedb.Database, store *boltstore.Store, cfg Config) *Server {
	return &Server{
		Config: cfg,
		Game:   NewGame(world, store),
	}
}

// Start runs the dispatcher and begins listening for connections. It
// blocks until every listener has stopped.
func (s *Server) Start(ctx context.Context) error {
	if !s.Config.Cleartext && !s.Config.TLS {
		return fmt.Errorf("both cleartext and TLS listeners are disabled; nothing to listen on")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	loaded, failed, err := s.Game.LoadScripts()
	if err != nil {
		return err
	}
	log.Printf("World: %d entities; scripts: %d units loaded, %d failed",
		s.Game.World.Count(), loaded, failed)

	go s.Game.Run(ctx)

	if conf := s.Game.Conf; conf != nil && conf.WatchScripts && conf.ScriptDir != "" {
		w, err := NewScriptWatcher(s.Game, conf.ScriptDir)
		if err != nil {
			log.Printf("Script watcher disabled: %v", err)
		} else {
			s.watcher = w
			go w.Run(ctx)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if s.Config.Cleartext {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Config.Port))
		if err != nil {
			return fmt.Errorf("cleartext listener: %w", err)
		}
		s.listener = ln
		log.Printf("Listening (cleartext) on port %d", s.Config.Port)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptLoop(ctx, ln)
		}()
	}

	if s.Config.TLS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tlsCfg, err := tlsConfig(s.Config)
			if err != nil {
				errCh <- err
				return
			}
			ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", s.Config.TLSPort), tlsCfg)
			if err != nil {
				errCh <- fmt.Errorf("TLS listener: %w", err)
				return
			}
			s.tlsListener = ln
			log.Printf("Listening (TLS) on port %d", s.Config.TLSPort)
			s.acceptLoop(ctx, ln)
		}()
	}

	if conf := s.Game.Conf; conf != nil && conf.WebEnabled {
		s.webServer = NewWebServer(s.Game, WebConfigFrom(conf))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.webServer.Start(); err != nil {
				errCh <- fmt.Errorf("web server: %w", err)
			}
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
	}
	return nil
}

// acceptLoop accepts connections on the given listener until it is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// Stop closes all active listeners and stops the dispatcher.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}
	if s.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.webServer.Stop(ctx)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// handleConnection manages a single client connection lifecycle. Input
// lines are read here and handed to the dispatcher one by one.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	id := s.Game.Conns.NextID()
	d := NewDescriptor(id, conn)
	d.Retries = s.Config.MaxRetries
	s.Game.Conns.Add(d)

	log.Printf("[%d] New connection from %s", d.ID, d.Addr)

	defer func() {
		// The dispatcher may already be gone on shutdown.
		done, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Game.SubmitWait(done, func(context.Context) { s.Game.DisconnectSession(d) }); err != nil {
			s.Game.Conns.Remove(d)
		}
		d.Close()
		log.Printf("[%d] Connection closed from %s", d.ID, d.Addr)
	}()

	d.SendNoNewline(s.Config.WelcomeText)

	scanner := bufio.NewScanner(d.Conn)
	scanner.Buffer(make([]byte, 8192), 8192)
	loggedIn := false

	for {
		if s.Config.IdleTimeout > 0 {
			d.Conn.SetReadDeadline(time.Now().Add(s.Config.IdleTimeout))
		}
		if !scanner.Scan() {
			var ne net.Error
			if errors.As(scanner.Err(), &ne) && ne.Timeout() {
				d.Send("You have been idle too long. Goodbye!")
			}
			return
		}
		if d.IsClosed() {
			return
		}

		line := stripTelnet(scanner.Text())
		line = strings.TrimRight(line, "\r\n")

		if !loggedIn {
			loggedIn = s.handleLoginCommand(ctx, d, line)
		} else if !s.Game.SubmitLine(ctx, d, line) {
			return
		}

		if d.IsClosed() {
			return
		}
	}
}

// handleLoginCommand processes pre-login commands. It reports whether the
// descriptor is now logged in.
func (s *Server) handleLoginCommand(ctx context.Context, d *Descriptor, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}

	upper := strings.ToUpper(input)
	if upper == "QUIT" {
		d.Send("Goodbye!")
		d.Close()
		return false
	}
	if upper == "WHO" {
		s.Game.SubmitWait(ctx, func(context.Context) { s.Game.ShowWho(d) })
		return false
	}

	command, user, password := ParseConnect(input)
	var (
		acct *gamedb.Account
		err  error
	)
	switch {
	case strings.HasPrefix(command, "co"):
		if user == "" {
			d.Send("Usage: connect <name> <password>")
			return false
		}
		acct, err = s.Game.Authenticate(user, password)
		if err != nil {
			if errors.Is(err, ErrBadCredentials) {
				d.Send("Either that player does not exist, or has a different password.")
				d.Retries--
				if d.Retries <= 0 {
					d.Send("Too many failed attempts. Disconnecting.")
					d.Close()
				}
			} else {
				log.Printf("[%d] login %s: %v", d.ID, user, err)
				d.Send("Login is unavailable right now.")
			}
			return false
		}

	case strings.HasPrefix(command, "cr"):
		if user == "" || password == "" {
			d.Send("Usage: create <name> <password>")
			return false
		}
		s.Game.SubmitWait(ctx, func(context.Context) {
			acct, err = s.Game.CreateAccount(user, password)
		})
		if err != nil {
			d.Send(fmt.Sprintf("Cannot create %s: %v.", user, err))
			return false
		}
		if acct == nil {
			return false
		}
		log.Printf("[%d] New player %s(#%d) created from %s", d.ID, user, acct.Player, d.Addr)

	default:
		d.Send("Commands: connect, create, WHO, QUIT")
		return false
	}

	attached := false
	s.Game.SubmitWait(ctx, func(c context.Context) {
		s.Game.AttachAccount(c, d, acct)
		attached = d.Player() != gamedb.Nothing
	})
	return attached
}

// stripTelnet removes telnet IAC command sequences from input.
func stripTelnet(s string) string {
	var buf strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == 0xFF && i+2 < len(s) {
			// IAC command: skip 3 bytes (IAC + cmd + option)
			i += 3
			continue
		}
		if s[i] == 0xFF && i+1 < len(s) {
			i += 2
			continue
		}
		// Skip other control chars except tab and standard whitespace
		if s[i] < 32 && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' {
			i++
			continue
		}
		buf.WriteByte(s[i])
		i++
	}
	return buf.String()
}
