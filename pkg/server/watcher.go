package server

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/fsnotify/fsnotify"
)

// scriptExt is the file extension of unit sources on disk.
const scriptExt = ".lua"

// UnitIDForPath maps <root>/<scope>/<category>/<name>.lua to a unit identity.
func UnitIDForPath(root, path string) (gamedb.UnitID, bool) {
	if !strings.EqualFold(filepath.Ext(path), scriptExt) {
		return gamedb.UnitID{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return gamedb.UnitID{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return gamedb.UnitID{}, false
	}
	parts[2] = strings.TrimSuffix(parts[2], filepath.Ext(parts[2]))
	id, err := gamedb.ParseUnitID(strings.Join(parts, "/"))
	if err != nil || !id.Complete() {
		return gamedb.UnitID{}, false
	}
	return id, true
}

// ImportUnits stores every unit source found under dir. It returns the
// identities whose stored version changed.
func ImportUnits(store *boltstore.Store, dir string) ([]gamedb.UnitID, error) {
	var changed []gamedb.UnitID
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		id, ok := UnitIDForPath(dir, path)
		if !ok {
			return nil
		}
		bumped, err := importFile(store, id, path)
		if err != nil {
			return err
		}
		if bumped {
			changed = append(changed, id)
		}
		return nil
	})
	if err != nil {
		return changed, fmt.Errorf("importing units from %s: %w", dir, err)
	}
	return changed, nil
}

// importFile stores one file and reports whether the stored source changed.
func importFile(store *boltstore.Store, id gamedb.UnitID, path string) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	before := 0
	if old, err := store.GetUnit(id); err == nil {
		before = old.Version
	}
	u, err := store.PutUnit(id, string(src))
	if err != nil {
		return false, err
	}
	return u.Version != before, nil
}

// ScriptWatcher mirrors edits under the script directory into the unit
// store and queues the edited units for reload.
type ScriptWatcher struct {
	game *Game
	dir  string
	fsw  *fsnotify.Watcher
}

// NewScriptWatcher watches dir and all of its subdirectories.
func NewScriptWatcher(game *Game, dir string) (*ScriptWatcher, error) {
	if game.Store == nil {
		return nil, ErrNoStore
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not start script watcher: %w", err)
	}
	w := &ScriptWatcher{game: game, dir: dir, fsw: fsw}
	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	log.Printf("Watching script directory for changes: %s", dir)
	return w, nil
}

func (w *ScriptWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
}

// Close stops the watcher.
func (w *ScriptWatcher) Close() error {
	return w.fsw.Close()
}

// Run handles file events until ctx ends or the watcher is closed.
func (w *ScriptWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("Script watcher error: %v", err)
		}
	}
}

func (w *ScriptWatcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if err := w.addTree(event.Name); err != nil {
			log.Printf("Script watcher: %v", err)
		}
		return
	}
	id, ok := UnitIDForPath(w.dir, event.Name)
	if !ok {
		return
	}
	changed, err := importFile(w.game.Store, id, event.Name)
	if err != nil {
		log.Printf("Script watcher: storing %s: %v", id, err)
		return
	}
	if !changed {
		return
	}
	if _, err := w.game.Reloads.Queue(id); err != nil {
		log.Printf("Script watcher: queueing %s: %v", id, err)
		return
	}
	log.Printf("Script changed on disk: %s", id)
	w.game.Submit(ctx, func(context.Context) {
		w.game.NotifyOperators(fmt.Sprintf("GAME: %s changed on disk; queued for reload.", id))
	})
}
