package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/command"
	_ "modernc.org/sqlite"
)

const socialsSchema = `CREATE TABLE IF NOT EXISTS socials (
	name          TEXT PRIMARY KEY,
	self          TEXT NOT NULL DEFAULT '',
	others        TEXT NOT NULL DEFAULT '',
	target_self   TEXT NOT NULL DEFAULT '',
	target_others TEXT NOT NULL DEFAULT '',
	victim        TEXT NOT NULL DEFAULT ''
)`

// SQLSocials is the social table kept in a SQLite database. It satisfies
// command.SocialTable.
type SQLSocials struct {
	db      *sql.DB
	mu      sync.Mutex
	path    string
	timeout time.Duration
}

var _ command.SocialTable = (*SQLSocials)(nil)

// OpenSQLSocials opens a SQLite database, sets WAL mode and busy timeout,
// and creates the socials table if needed.
func OpenSQLSocials(path string, timeoutSec int) (*SQLSocials, error) {
	if timeoutSec <= 0 {
		timeoutSec = 5
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// Set WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeoutSec*1000)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(socialsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating socials table: %w", err)
	}
	return &SQLSocials{
		db:      db,
		path:    path,
		timeout: time.Duration(timeoutSec) * time.Second,
	}, nil
}

// Close closes the database connection.
func (s *SQLSocials) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the filesystem path of the SQLite database.
func (s *SQLSocials) Path() string { return s.path }

// Snapshot writes a consistent copy of the database to dest, which must
// not exist yet.
func (s *SQLSocials) Snapshot(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("socials: database closed")
	}
	if _, err := s.db.Exec("VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("socials: snapshot to %s: %w", dest, err)
	}
	return nil
}

// Social looks up a social by exact name. Lookup errors are logged and
// reported as a miss.
func (s *SQLSocials) Social(name string) (command.Social, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return command.Social{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var soc command.Social
	err := s.db.QueryRowContext(ctx,
		`SELECT name, self, others, target_self, target_others, victim FROM socials WHERE name = ?`,
		strings.ToLower(name),
	).Scan(&soc.Name, &soc.Self, &soc.Others, &soc.TargetSelf, &soc.TargetOthers, &soc.Victim)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("socials: lookup %q: %v", name, err)
		}
		return command.Social{}, false
	}
	return soc, true
}

// Put inserts or replaces socials.
func (s *SQLSocials) Put(socials ...command.Social) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("socials database closed")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, soc := range socials {
		if soc.Name == "" {
			tx.Rollback()
			return fmt.Errorf("social with empty name")
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO socials
			(name, self, others, target_self, target_others, victim) VALUES (?, ?, ?, ?, ?, ?)`,
			strings.ToLower(soc.Name), soc.Self, soc.Others, soc.TargetSelf, soc.TargetOthers, soc.Victim)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storing social %s: %w", soc.Name, err)
		}
	}
	return tx.Commit()
}

// Delete removes a social. It reports whether one existed.
func (s *SQLSocials) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, fmt.Errorf("socials database closed")
	}
	res, err := s.db.Exec(`DELETE FROM socials WHERE name = ?`, strings.ToLower(name))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Names lists every social name in order.
func (s *SQLSocials) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("socials database closed")
	}
	rows, err := s.db.Query(`SELECT name FROM socials ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DefaultSocials seeds an empty socials database.
var DefaultSocials = []command.Social{
	{
		Name: "smile", Self: "You smile.", Others: "$n smiles.",
		TargetSelf: "You smile at $N.", TargetOthers: "$n smiles at $N.", Victim: "$n smiles at you.",
	},
	{
		Name: "wave", Self: "You wave.", Others: "$n waves.",
		TargetSelf: "You wave to $N.", TargetOthers: "$n waves to $N.", Victim: "$n waves to you.",
	},
	{
		Name: "nod", Self: "You nod.", Others: "$n nods.",
		TargetSelf: "You nod at $N.", TargetOthers: "$n nods at $N.", Victim: "$n nods at you.",
	},
	{
		Name: "grin", Self: "You grin.", Others: "$n grins.",
		TargetSelf: "You grin at $N.", TargetOthers: "$n grins at $N.", Victim: "$n grins at you.",
	},
	{
		Name: "bow", Self: "You bow.", Others: "$n bows.",
		TargetSelf: "You bow before $N.", TargetOthers: "$n bows before $N.", Victim: "$n bows before you.",
	},
}

// SeedDefaults stores DefaultSocials when the table is empty.
func (s *SQLSocials) SeedDefaults() error {
	names, err := s.Names()
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return nil
	}
	return s.Put(DefaultSocials...)
}
