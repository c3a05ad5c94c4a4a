// Package archive packs a world's persistent state (the bolt store, the
// socials table, script sources, help text and config) into one .tar.gz
// with a checksummed manifest, and restores it again.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Entry kinds recorded in the manifest.
const (
	KindBolt    = "bolt"
	KindSocials = "socials"
	KindScript  = "script"
	KindHelp    = "help"
	KindConf    = "conf"
)

// Fixed archive paths.
const (
	boltName     = "data/game.bolt"
	socialsName  = "data/socials.db"
	scriptsDir   = "scripts"
	helpName     = "text/help.txt"
	confName     = "conf/game.yaml"
	manifestName = "manifest.json"
)

// Manifest describes the contents of an archive.
type Manifest struct {
	Version   int                  `json:"version"`
	Server    string               `json:"server"`
	Timestamp string               `json:"timestamp"`
	MudName   string               `json:"mud_name"`
	Units     int                  `json:"units"`
	Files     map[string]FileEntry `json:"files"`
}

// FileEntry describes one file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Kind   string `json:"kind"`
}

// Params holds the inputs to Create. Empty paths and nil snapshot
// functions are skipped.
type Params struct {
	BoltSnapshot    func(dest string) error
	SocialsSnapshot func(dest string) error
	ScriptDir       string
	HelpFile        string
	ConfPath        string

	Dir     string // output directory
	Server  string
	MudName string
	Units   int
	Now     func() time.Time
}

// Create writes archive-<timestamp>.tar.gz into p.Dir and returns its path.
func Create(p Params) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}
	stamp := now()
	path := filepath.Join(p.Dir, fmt.Sprintf("archive-%s.tar.gz", stamp.Format("20060102-150405")))

	staging, err := os.MkdirTemp("", "mud-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", path, err)
	}
	pk := &packer{
		gz: gzip.NewWriter(out),
		manifest: Manifest{
			Version:   1,
			Server:    p.Server,
			Timestamp: stamp.UTC().Format(time.RFC3339),
			MudName:   p.MudName,
			Units:     p.Units,
			Files:     make(map[string]FileEntry),
		},
	}
	pk.tw = tar.NewWriter(pk.gz)

	err = pk.fill(p, staging)
	if err == nil {
		err = pk.finish()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

type packer struct {
	gz       *gzip.Writer
	tw       *tar.Writer
	manifest Manifest
}

func (pk *packer) fill(p Params, staging string) error {
	snapshots := []struct {
		fn   func(string) error
		name string
		kind string
	}{
		{p.BoltSnapshot, boltName, KindBolt},
		{p.SocialsSnapshot, socialsName, KindSocials},
	}
	for _, s := range snapshots {
		if s.fn == nil {
			continue
		}
		staged := filepath.Join(staging, filepath.Base(s.name))
		if err := s.fn(staged); err != nil {
			return fmt.Errorf("archive: %s snapshot: %w", s.kind, err)
		}
		if err := pk.addFile(staged, s.name, s.kind); err != nil {
			return err
		}
	}

	if p.ScriptDir != "" {
		if info, err := os.Stat(p.ScriptDir); err == nil && info.IsDir() {
			if err := pk.addScripts(p.ScriptDir); err != nil {
				return err
			}
		}
	}
	for _, f := range []struct{ src, name, kind string }{
		{p.HelpFile, helpName, KindHelp},
		{p.ConfPath, confName, KindConf},
	} {
		if f.src == "" {
			continue
		}
		if _, err := os.Stat(f.src); err != nil {
			continue
		}
		if err := pk.addFile(f.src, f.name, f.kind); err != nil {
			return err
		}
	}
	return nil
}

// addScripts stores every .lua file under dir, keeping its relative path.
func (pk *packer) addScripts(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".lua" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return pk.addFile(path, scriptsDir+"/"+filepath.ToSlash(rel), KindScript)
	})
}

// addFile copies src into the archive as name, hashing it on the way.
func (pk *packer) addFile(src, name, kind string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", src, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", src, err)
	}
	if err := pk.tw.WriteHeader(&tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    0o644,
		ModTime: info.ModTime(),
	}); err != nil {
		return fmt.Errorf("archive: header %s: %w", name, err)
	}
	h := sha256.New()
	n, err := io.Copy(pk.tw, io.TeeReader(f, h))
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	pk.manifest.Files[name] = FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n, Kind: kind}
	return nil
}

// finish appends the manifest as the last entry and flushes both layers.
func (pk *packer) finish() error {
	data, err := json.MarshalIndent(pk.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := pk.tw.WriteHeader(&tar.Header{
		Name:    manifestName,
		Size:    int64(len(data)),
		Mode:    0o644,
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("archive: manifest header: %w", err)
	}
	if _, err := pk.tw.Write(data); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}
	if err := pk.tw.Close(); err != nil {
		return err
	}
	return pk.gz.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
