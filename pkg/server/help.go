package server

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
)

// HelpTopics holds free-form help text keyed by lowercase topic. Files use
// "& topic" headers; one section may carry several headers as aliases.
type HelpTopics struct {
	entries map[string]string
	names   []string
}

// LoadHelpTopics parses a help topic file.
func LoadHelpTopics(file string) (*HelpTopics, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := &HelpTopics{entries: make(map[string]string)}
	var topics []string
	var body []string
	inHeader := false
	flush := func() {
		if len(topics) == 0 {
			return
		}
		text := strings.TrimRight(strings.Join(body, "\n"), "\n ")
		for _, t := range topics {
			if _, dup := h.entries[t]; !dup {
				h.names = append(h.names, t)
			}
			h.entries[t] = text
		}
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "& ") {
			if !inHeader {
				flush()
				topics, body = nil, nil
			}
			topics = append(topics, strings.ToLower(strings.TrimSpace(line[2:])))
			inHeader = true
			continue
		}
		inHeader = false
		if len(topics) > 0 {
			body = append(body, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("help %s: %w", file, err)
	}
	flush()
	sort.Strings(h.names)
	return h, nil
}

// Lookup finds a topic: exact match, then the shortest topic the query
// prefixes, then a glob pattern such as "combat*".
func (h *HelpTopics) Lookup(topic string) (string, string, bool) {
	if h == nil {
		return "", "", false
	}
	topic = strings.ToLower(strings.TrimSpace(topic))
	if text, ok := h.entries[topic]; ok {
		return topic, text, true
	}
	best := ""
	for _, name := range h.names {
		if strings.HasPrefix(name, topic) && (best == "" || len(name) < len(best)) {
			best = name
		}
	}
	if best != "" {
		return best, h.entries[best], true
	}
	if strings.ContainsAny(topic, "*?") {
		for _, name := range h.names {
			if ok, _ := path.Match(topic, name); ok {
				return name, h.entries[name], true
			}
		}
	}
	return "", "", false
}

// Topics returns the sorted topic names.
func (h *HelpTopics) Topics() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.names...)
}
