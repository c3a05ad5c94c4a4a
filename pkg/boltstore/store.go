package boltstore

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	bbolt "go.etcd.io/bbolt"
)

var (
	ErrNoSuchUnit    = errors.New("no such unit")
	ErrNoSuchAccount = errors.New("no such account")
)

// Store wraps a bbolt database holding script units, world entities and accounts.
type Store struct {
	bolt *bbolt.DB
	now  func() time.Time
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketEntities, bucketUnits, bucketAccounts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{bolt: db, now: time.Now}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// --- Script units ---

// PutUnit stores source under id. The version is bumped when the source
// differs from what is stored; an identical source is a no-op and returns
// the stored unit unchanged.
func (s *Store) PutUnit(id gamedb.UnitID, source string) (gamedb.Unit, error) {
	if !id.Complete() {
		return gamedb.Unit{}, fmt.Errorf("boltstore: put unit %q: incomplete identity", id)
	}
	var out gamedb.Unit
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		key := unitKey(id)
		version := 0
		if v := b.Get(key); v != nil {
			old, err := decode[gamedb.Unit](v)
			if err != nil {
				return fmt.Errorf("decode unit %s: %w", id, err)
			}
			if old.Source == source {
				out = *old
				return nil
			}
			version = old.Version
		}
		out = gamedb.Unit{ID: id, Source: source, Version: version + 1, Updated: s.now()}
		data, err := encode(&out)
		if err != nil {
			return fmt.Errorf("encode unit %s: %w", id, err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return gamedb.Unit{}, fmt.Errorf("boltstore: put unit: %w", err)
	}
	return out, nil
}

// GetUnit loads a single unit.
func (s *Store) GetUnit(id gamedb.UnitID) (gamedb.Unit, error) {
	var out gamedb.Unit
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketUnits).Get(unitKey(id))
		if v == nil {
			return fmt.Errorf("%s: %w", id, ErrNoSuchUnit)
		}
		u, err := decode[gamedb.Unit](v)
		if err != nil {
			return fmt.Errorf("decode unit %s: %w", id, err)
		}
		out = *u
		return nil
	})
	return out, err
}

// DeleteUnit removes a unit from the store. Its registrations stay live
// until something replaces them.
func (s *Store) DeleteUnit(id gamedb.UnitID) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b.Get(unitKey(id)) == nil {
			return fmt.Errorf("%s: %w", id, ErrNoSuchUnit)
		}
		return b.Delete(unitKey(id))
	})
}

// ListUnits returns every unit under sel (an empty Scope lists all),
// ordered by key.
func (s *Store) ListUnits(sel gamedb.UnitID) ([]gamedb.Unit, error) {
	var units []gamedb.Unit
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketUnits).Cursor()
		var k, v []byte
		var prefix []byte
		if sel.Scope == "" {
			k, v = c.First()
		} else {
			prefix = selectorPrefix(sel)
			k, v = c.Seek(prefix)
		}
		for ; k != nil; k, v = c.Next() {
			if prefix != nil && !bytes.HasPrefix(k, prefix) {
				break
			}
			u, err := decode[gamedb.Unit](v)
			if err != nil {
				return fmt.Errorf("decode unit %q: %w", string(k), err)
			}
			// A name-level prefix also matches "foo" against "foobar".
			if sel.Scope != "" && !u.ID.Matches(sel) {
				continue
			}
			units = append(units, *u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list units: %w", err)
	}
	return units, nil
}

// UnitIDs returns the identities under sel. Used to expand reload selectors.
func (s *Store) UnitIDs(sel gamedb.UnitID) ([]gamedb.UnitID, error) {
	units, err := s.ListUnits(sel)
	if err != nil {
		return nil, err
	}
	ids := make([]gamedb.UnitID, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids, nil
}

// --- World entities ---

// PutEntities persists entities in a single bbolt transaction.
func (s *Store) PutEntities(ents ...gamedb.Entity) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		for i := range ents {
			data, err := encode(&ents[i])
			if err != nil {
				return fmt.Errorf("boltstore: encode entity #%d: %w", ents[i].Ref, err)
			}
			if err := b.Put(refToKey(ents[i].Ref), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveWorld writes the whole world in batches of 1000 entities per transaction.
func (s *Store) SaveWorld(db *gamedb.Database) error {
	all := db.All()
	for i := 0; i < len(all); i += 1000 {
		end := i + 1000
		if end > len(all) {
			end = len(all)
		}
		if err := s.PutEntities(all[i:end]...); err != nil {
			return err
		}
	}
	log.Printf("boltstore: saved %d entities", len(all))
	return nil
}

// LoadWorld reads every stored entity into db.
func (s *Store) LoadWorld(db *gamedb.Database) error {
	count := 0
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		return b.ForEach(func(k, v []byte) error {
			e, err := decode[gamedb.Entity](v)
			if err != nil {
				return fmt.Errorf("decode entity #%d: %w", keyToRef(k), err)
			}
			db.Put(e)
			count++
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("boltstore: load world: %w", err)
	}
	log.Printf("boltstore: loaded %d entities from bolt", count)
	return nil
}

// HasWorld returns true if any entities are stored.
func (s *Store) HasWorld() bool {
	has := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(bucketEntities).Stats().KeyN > 0
		return nil
	})
	return has
}

// SetStartRoom records the room new players are created in.
func (s *Store) SetStartRoom(ref gamedb.DBRef) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyStart, refToKey(ref))
	})
}

// StartRoom returns the stored start room, or Nothing.
func (s *Store) StartRoom() gamedb.DBRef {
	ref := gamedb.Nothing
	s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyStart); v != nil {
			ref = keyToRef(v)
		}
		return nil
	})
	return ref
}

// --- Accounts ---

// PutAccount persists an account, keyed by lowercase name.
func (s *Store) PutAccount(acct *gamedb.Account) error {
	data, err := encode(acct)
	if err != nil {
		return fmt.Errorf("boltstore: encode account %q: %w", acct.Name, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put(accountKey(acct.Name), data)
	})
}

// GetAccount loads an account by name (case-insensitive).
func (s *Store) GetAccount(name string) (*gamedb.Account, error) {
	var acct *gamedb.Account
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAccounts).Get(accountKey(name))
		if v == nil {
			return fmt.Errorf("%s: %w", name, ErrNoSuchAccount)
		}
		a, err := decode[gamedb.Account](v)
		if err != nil {
			return fmt.Errorf("decode account %q: %w", name, err)
		}
		acct = a
		return nil
	})
	return acct, err
}

// SaveAliases replaces the stored alias table of an account.
func (s *Store) SaveAliases(name string, aliases map[string]string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		v := b.Get(accountKey(name))
		if v == nil {
			return fmt.Errorf("%s: %w", name, ErrNoSuchAccount)
		}
		acct, err := decode[gamedb.Account](v)
		if err != nil {
			return fmt.Errorf("decode account %q: %w", name, err)
		}
		acct.Aliases = make(map[string]string, len(aliases))
		for k, v := range aliases {
			acct.Aliases[k] = v
		}
		data, err := encode(acct)
		if err != nil {
			return err
		}
		return b.Put(accountKey(name), data)
	})
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}
