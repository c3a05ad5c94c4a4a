package command

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultAbbreviations maps single glyphs to the phrase they stand for.
var DefaultAbbreviations = map[string]string{
	"?":  "help",
	"'":  "say",
	"\"": "say",
	":":  "emote",
	",":  "emote",
	"!":  "commands",
}

// IsGlyph reports whether key can serve as an abbreviation: exactly one
// rune that is neither a letter, a digit nor a space.
func IsGlyph(key string) bool {
	r, size := utf8.DecodeRuneInString(key)
	if r == utf8.RuneError || size != len(key) {
		return false
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

// DefaultSuffixes are the verb endings stripped by stem resolution.
var DefaultSuffixes = []string{"ing", "es", "ed", "s"}

// nativeDirections lists canonical directions with their short forms.
var nativeDirections = []struct {
	name  string
	short string
}{
	{"north", "n"},
	{"south", "s"},
	{"east", "e"},
	{"west", "w"},
	{"up", "u"},
	{"down", "d"},
	{"northeast", "ne"},
	{"northwest", "nw"},
	{"southeast", "se"},
	{"southwest", "sw"},
}

// Directions maps every direction spelling (native, short, localized) to
// its canonical name.
type Directions struct {
	names map[string]string
}

// NewDirections returns the native direction table.
func NewDirections() *Directions {
	d := &Directions{names: make(map[string]string)}
	for _, nd := range nativeDirections {
		d.names[nd.name] = nd.name
		d.names[nd.short] = nd.name
	}
	return d
}

// AddLocalized maps a localized name or abbreviation onto a canonical
// direction. Unknown canonicals are ignored and reported false.
func (d *Directions) AddLocalized(name, canonical string) bool {
	canonical = strings.ToLower(canonical)
	if d.names[canonical] != canonical {
		return false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	d.names[name] = canonical
	return true
}

// Lookup returns the canonical direction for a spelling.
func (d *Directions) Lookup(token string) (string, bool) {
	c, ok := d.names[strings.ToLower(token)]
	return c, ok
}

// Canonical returns the canonical directions in table order.
func (d *Directions) Canonical() []string {
	out := make([]string, len(nativeDirections))
	for i, nd := range nativeDirections {
		out[i] = nd.name
	}
	return out
}

// sortSuffixes returns suffixes ordered longest first, ties alphabetical.
func sortSuffixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
