package command

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("command not found")
	ErrAmbiguous = errors.New("ambiguous command")
)

// MaxCandidates caps the names listed in a disambiguation message.
const MaxCandidates = 5

// AmbiguousError carries the candidates of a failed prefix match.
type AmbiguousError struct {
	Token      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%q could mean: %s", e.Token, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// Kind classifies a resolution outcome.
type Kind int

const (
	KindNotFound Kind = iota
	KindFound
	KindDirection
	KindSocial
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindDirection:
		return "direction"
	case KindSocial:
		return "social"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "not_found"
	}
}

// Outcome is the result of resolving one input line.
type Outcome struct {
	Kind       Kind
	Name       string   // canonical command, canonical direction, or social name
	Args       string   // argument string with the verb token removed
	Candidates []string // KindAmbiguous only, at most MaxCandidates
	Token      string   // the verb token as typed
}

// Err maps failed outcomes to errors; successful ones return nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindAmbiguous:
		return &AmbiguousError{Token: o.Token, Candidates: o.Candidates}
	}
	return nil
}

// Resolver turns an input line into an Outcome against the current tables.
// It holds no per-call state and never invokes anything.
type Resolver struct {
	Registry      *Registry
	Directions    *Directions
	Abbreviations map[string]string
	Socials       SocialTable
	suffixes      []string
}

// NewResolver builds a resolver with the default tables.
func NewResolver(reg *Registry, socials SocialTable) *Resolver {
	r := &Resolver{
		Registry:      reg,
		Directions:    NewDirections(),
		Abbreviations: make(map[string]string, len(DefaultAbbreviations)),
		Socials:       socials,
	}
	for k, v := range DefaultAbbreviations {
		r.Abbreviations[k] = v
	}
	r.SetSuffixes(DefaultSuffixes)
	return r
}

// SetSuffixes replaces the stem suffix table.
func (r *Resolver) SetSuffixes(s []string) {
	r.suffixes = sortSuffixes(s)
}

// Suffixes returns the stem suffix table, longest first.
func (r *Resolver) Suffixes() []string {
	return append([]string(nil), r.suffixes...)
}

// split holds the two readings of a tokenized line.
type split struct {
	trailing, trailingArgs string
	leading, leadingArgs   string
}

func splitLine(line string) (split, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return split{}, false
	}
	last := len(fields) - 1
	return split{
		trailing:     strings.ToLower(fields[last]),
		trailingArgs: strings.Join(fields[:last], " "),
		leading:      strings.ToLower(fields[0]),
		leadingArgs:  strings.Join(fields[1:], " "),
	}, true
}

// ExpandAlias applies one level of alias expansion to line. Only the first
// step of a multi-step (';' separated) expansion is used.
func ExpandAlias(line string, aliases map[string]string) string {
	if len(aliases) == 0 {
		return line
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	exp, ok := aliases[strings.ToLower(fields[0])]
	if !ok {
		return line
	}
	if i := strings.Index(exp, ";"); i >= 0 {
		exp = exp[:i]
	}
	exp = strings.TrimSpace(exp)
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	if rest == "" {
		return exp
	}
	if exp == "" {
		return rest
	}
	return exp + " " + rest
}

// Resolve runs the ordered strategies over line, stopping at the first
// that decides.
func (r *Resolver) Resolve(line string, aliases map[string]string) Outcome {
	line = ExpandAlias(strings.TrimSpace(line), aliases)
	sp, ok := splitLine(line)
	if !ok {
		return Outcome{Kind: KindNotFound}
	}

	if len(strings.Fields(line)) == 1 {
		if phrase, ok := r.Abbreviations[sp.leading]; ok {
			if psp, ok := splitLine(phrase); ok {
				if out := r.resolveCore(psp); out.Kind != KindNotFound {
					return out
				}
			}
		}
	}

	if out := r.resolveCore(sp); out.Kind != KindNotFound {
		return out
	}

	if out, ok := r.social(sp.trailing, sp.trailingArgs); ok {
		return out
	}
	if out, ok := r.social(sp.leading, sp.leadingArgs); ok {
		return out
	}
	return Outcome{Kind: KindNotFound, Token: sp.leading}
}

// resolveCore covers word-order, stem and prefix strategies.
func (r *Resolver) resolveCore(sp split) Outcome {
	if out, ok := r.exact(sp.trailing, sp.trailingArgs); ok {
		return out
	}
	if out, ok := r.exact(sp.leading, sp.leadingArgs); ok {
		return out
	}
	if out, ok := r.stem(sp.trailing, sp.trailingArgs); ok {
		return out
	}
	if out, ok := r.stem(sp.leading, sp.leadingArgs); ok {
		return out
	}
	if out, ok := r.prefix(sp.trailing, sp.trailingArgs); ok {
		return out
	}
	if out, ok := r.prefix(sp.leading, sp.leadingArgs); ok {
		return out
	}
	return Outcome{Kind: KindNotFound, Token: sp.leading}
}

// exact checks direction, then alternate name, then canonical name.
func (r *Resolver) exact(tok, args string) (Outcome, bool) {
	if r.Directions != nil {
		if dir, ok := r.Directions.Lookup(tok); ok {
			return Outcome{Kind: KindDirection, Name: dir, Args: args, Token: tok}, true
		}
	}
	if canonical, ok := r.Registry.Alternate(tok); ok {
		return Outcome{Kind: KindFound, Name: canonical, Args: args, Token: tok}, true
	}
	if _, ok := r.Registry.Lookup(tok); ok {
		return Outcome{Kind: KindFound, Name: tok, Args: args, Token: tok}, true
	}
	return Outcome{}, false
}

// stem strips known endings, longest first, and retries the alternate
// table with each stem until one hits.
func (r *Resolver) stem(tok, args string) (Outcome, bool) {
	for _, suf := range r.suffixes {
		if len(tok) <= len(suf) || !strings.HasSuffix(tok, suf) {
			continue
		}
		if canonical, ok := r.Registry.Alternate(strings.TrimSuffix(tok, suf)); ok {
			return Outcome{Kind: KindFound, Name: canonical, Args: args, Token: tok}, true
		}
	}
	return Outcome{}, false
}

// prefix matches tok against canonical names. More than one match decides
// the whole resolution as ambiguous.
func (r *Resolver) prefix(tok, args string) (Outcome, bool) {
	matches := r.Registry.WithPrefix(tok)
	switch {
	case len(matches) == 1:
		return Outcome{Kind: KindFound, Name: matches[0], Args: args, Token: tok}, true
	case len(matches) > 1:
		if len(matches) > MaxCandidates {
			matches = matches[:MaxCandidates]
		}
		return Outcome{Kind: KindAmbiguous, Candidates: matches, Token: tok}, true
	}
	return Outcome{}, false
}

func (r *Resolver) social(tok, args string) (Outcome, bool) {
	if r.Socials == nil {
		return Outcome{}, false
	}
	if s, ok := r.Socials.Social(tok); ok {
		return Outcome{Kind: KindSocial, Name: s.Name, Args: args, Token: tok}, true
	}
	return Outcome{}, false
}
