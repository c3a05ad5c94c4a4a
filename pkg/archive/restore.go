package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RestoreParams names where each kind of archived file goes. An empty
// destination skips that kind.
type RestoreParams struct {
	Path        string
	BoltDest    string
	SocialsDest string
	ScriptDest  string // directory
	HelpDest    string
	ConfDest    string
	// OverwriteConf replaces an existing config file that differs from
	// the archived one. Without it the current file is kept.
	OverwriteConf bool
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Restored int
	Warnings []string
}

// Restore unpacks an archive, verifies every checksum against the
// manifest, and only then copies files to their destinations.
func Restore(p RestoreParams) (*RestoreResult, error) {
	staging, err := os.MkdirTemp("", "mud-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(p.Path, staging); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(staging, manifestName))
	if err != nil {
		return nil, fmt.Errorf("restore: %s missing", manifestName)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}
	for name, entry := range m.Files {
		sum, err := fileSHA256(filepath.Join(staging, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", name, err)
		}
		if sum != entry.SHA256 {
			return nil, fmt.Errorf("restore: checksum mismatch for %s", name)
		}
	}

	res := &RestoreResult{}
	for name, entry := range m.Files {
		src := filepath.Join(staging, filepath.FromSlash(name))
		dest := ""
		switch entry.Kind {
		case KindBolt:
			dest = p.BoltDest
		case KindSocials:
			dest = p.SocialsDest
		case KindHelp:
			dest = p.HelpDest
		case KindScript:
			if p.ScriptDest != "" {
				dest = filepath.Join(p.ScriptDest, filepath.FromSlash(strings.TrimPrefix(name, scriptsDir+"/")))
			}
		case KindConf:
			if p.ConfDest == "" {
				continue
			}
			keep, err := keepCurrent(src, p.ConfDest, p.OverwriteConf)
			if err != nil {
				return nil, fmt.Errorf("restore: compare config: %w", err)
			}
			if keep {
				res.Warnings = append(res.Warnings, fmt.Sprintf("kept current config %s", p.ConfDest))
				continue
			}
			dest = p.ConfDest
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped %s: unknown kind %q", name, entry.Kind))
			continue
		}
		if dest == "" {
			continue
		}
		if err := copyFile(src, dest); err != nil {
			return nil, fmt.Errorf("restore: %s: %w", name, err)
		}
		res.Restored++
	}
	return res, nil
}

// keepCurrent reports whether an existing config file should stay.
func keepCurrent(archived, current string, overwrite bool) (bool, error) {
	cur, err := os.ReadFile(current)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	arc, err := os.ReadFile(archived)
	if err != nil {
		return false, err
	}
	if bytes.Equal(cur, arc) {
		return true, nil
	}
	return !overwrite, nil
}

func extract(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("entry %q escapes the archive", hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
