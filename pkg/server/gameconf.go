package server

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"gopkg.in/yaml.v3"
)

// GameConf holds game-level configuration parameters.
type GameConf struct {
	// --- Identity ---
	MudName string `yaml:"mud_name"`
	Port    int    `yaml:"port"`

	// --- Listeners ---
	Cleartext *bool  `yaml:"cleartext"` // nil = enabled
	TLS       bool   `yaml:"tls"`
	TLSPort   int    `yaml:"tls_port"` // 0 = port+1
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	TLSDomain string `yaml:"tls_domain"`   // ACME certificate, port must be 443
	CertDir   string `yaml:"tls_cert_dir"` // ACME cache and self-signed fallback

	// --- World ---
	StartingRoom      int            `yaml:"starting_room"`      // -1 = first room in the world
	StartingResources map[string]int `yaml:"starting_resources"` // restored after death
	AllowCreate       bool           `yaml:"allow_create"`
	Operators         []string       `yaml:"operators"` // account names granted operator on creation

	// --- Timing ---
	IdleTimeout   int `yaml:"idle_timeout"`   // seconds, 0 = never
	TickInterval  int `yaml:"tick_interval"`  // milliseconds between tick hook firings
	ScriptTimeout int `yaml:"script_timeout"` // milliseconds per interpreter call, 0 = unbounded

	// --- Scripts ---
	ScriptDir    string   `yaml:"script_dir"`
	WatchScripts bool     `yaml:"watch_scripts"`
	ScopeOrder   []string `yaml:"scope_order"` // shared scopes first

	// --- Resolution tables ---
	Abbreviations map[string]string `yaml:"abbreviations"` // glyph -> phrase, merged over defaults
	Directions    map[string]string `yaml:"directions"`    // localized name -> canonical direction
	Suffixes      []string          `yaml:"suffixes"`      // replaces the default verb endings when set

	// --- Text ---
	HelpFile string `yaml:"help_file"` // "& topic" sections, empty = commands only

	// --- Storage ---
	BoltPath   string `yaml:"bolt_path"`
	SocialsDB  string `yaml:"socials_db"` // SQLite file with the socials table, empty = none
	ArchiveDir string `yaml:"archive_dir"`

	// --- Web ---
	WebEnabled     bool     `yaml:"web_enabled"`
	WebPort        int      `yaml:"web_port"`
	WebHost        string   `yaml:"web_host"`
	WebCORSOrigins []string `yaml:"web_cors_origins"`
	WebRateLimit   int      `yaml:"web_rate_limit"` // requests per minute per account, or per address when anonymous
	JWTSecret      string   `yaml:"jwt_secret"`     // generated at boot if empty
	JWTExpiry      int      `yaml:"jwt_expiry"`     // seconds
}

// DefaultGameConf returns a GameConf with default values.
func DefaultGameConf() *GameConf {
	return &GameConf{
		MudName:           "GoTinyMUD",
		Port:              6250,
		StartingRoom:      -1,
		StartingResources: map[string]int{"hp": 100},
		AllowCreate:       true,
		IdleTimeout:       3600,
		TickInterval:      2000,
		ScriptTimeout:     int(2 * time.Second / time.Millisecond),
		ScriptDir:         "scripts",
		ScopeOrder:        []string{"common"},
		BoltPath:          "data/game.bolt",
		ArchiveDir:        "archive",
		CertDir:           "data/certs",
		WebPort:           8443,
		WebRateLimit:      60,
		JWTExpiry:         86400,
	}
}

// LoadGameConf reads a YAML config file over the defaults.
func LoadGameConf(path string) (*GameConf, error) {
	gc := DefaultGameConf()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading game config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, gc); err != nil {
		return nil, fmt.Errorf("parsing game config %s: %w", path, err)
	}
	return gc, nil
}

// IsOperator reports whether an account name is listed as an operator.
func (gc *GameConf) IsOperator(name string) bool {
	for _, op := range gc.Operators {
		if strings.EqualFold(op, name) {
			return true
		}
	}
	return false
}

// IsCleartext reports whether the plaintext telnet listener is enabled.
func (gc *GameConf) IsCleartext() bool {
	return gc.Cleartext == nil || *gc.Cleartext
}

// ServerConfig derives the listener configuration.
func (gc *GameConf) ServerConfig() Config {
	tlsPort := gc.TLSPort
	if tlsPort == 0 {
		tlsPort = gc.Port + 1
	}
	return Config{
		Port:        gc.Port,
		IdleTimeout: time.Duration(gc.IdleTimeout) * time.Second,
		MaxRetries:  3,
		WelcomeText: WelcomeText,
		Cleartext:   gc.IsCleartext(),
		TLS:         gc.TLS,
		TLSPort:     tlsPort,
		TLSCert:     gc.TLSCert,
		TLSKey:      gc.TLSKey,
		TLSDomain:   gc.TLSDomain,
		TLSCertDir:  gc.CertDir,
	}
}

// Tick returns the tick interval as a duration.
func (gc *GameConf) Tick() time.Duration {
	if gc.TickInterval <= 0 {
		return 0
	}
	return time.Duration(gc.TickInterval) * time.Millisecond
}

// --- Apply config to Game ---

// ApplyGameConf installs the resolution tables and timing from gc.
func (g *Game) ApplyGameConf(gc *GameConf) {
	g.Conf = gc

	abbrevs := make(map[string]string, len(command.DefaultAbbreviations)+len(gc.Abbreviations))
	for k, v := range command.DefaultAbbreviations {
		abbrevs[k] = v
	}
	for k, v := range gc.Abbreviations {
		if !command.IsGlyph(k) {
			log.Printf("config: abbreviation %q is not a single symbol, ignored", k)
			continue
		}
		if v == "" {
			delete(abbrevs, k)
			continue
		}
		abbrevs[k] = v
	}
	g.Resolver.Abbreviations = abbrevs

	for name, canonical := range gc.Directions {
		if !g.Resolver.Directions.AddLocalized(name, canonical) {
			log.Printf("config: direction %q maps to unknown direction %q, ignored", name, canonical)
		}
	}
	if len(gc.Suffixes) > 0 {
		g.Resolver.SetSuffixes(gc.Suffixes)
	}
	if g.Scripts != nil {
		g.Scripts.Timeout = time.Duration(gc.ScriptTimeout) * time.Millisecond
	}
	if gc.HelpFile != "" {
		help, err := LoadHelpTopics(gc.HelpFile)
		if err != nil {
			log.Printf("config: help file: %v", err)
		} else {
			g.Help = help
			log.Printf("  help: %d topic(s) from %s", len(help.Topics()), gc.HelpFile)
		}
	}

	log.Printf("Game config applied: mud_name=%q start_room=#%d tick=%dms scopes=%v",
		gc.MudName, gc.StartingRoom, gc.TickInterval, gc.ScopeOrder)
	log.Printf("  resolver: %d abbreviations, %d localized directions, suffixes=%v",
		len(abbrevs), len(gc.Directions), g.Resolver.Suffixes())
}

// StartingRoom returns the configured starting room, or the lowest room in
// the world when none is configured.
func (g *Game) StartingRoom() gamedb.DBRef {
	if g.Conf != nil && g.Conf.StartingRoom >= 0 {
		return gamedb.DBRef(g.Conf.StartingRoom)
	}
	if g.Store != nil {
		if ref := g.Store.StartRoom(); ref != gamedb.Nothing {
			return ref
		}
	}
	if rooms := g.World.Rooms(); len(rooms) > 0 {
		return rooms[0]
	}
	return gamedb.Nothing
}
