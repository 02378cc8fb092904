package sync

import (
	"errors"
	"strings"

	"github.com/matheus3301/gmarchive/internal/mailbox"
)

// ErrNoLabels means a label filter is configured but none of its names
// exists in the remote catalogue. Listing everything instead would be wrong.
var ErrNoLabels = errors.New("sync: no configured label matches the remote catalogue")

// LabelFilter is a label-name filter resolved against the catalogue.
type LabelFilter struct {
	IDs      []string
	Unknown  []string
	Excluded []string
}

// ResolveLabels maps label names (or ids) to ids, case-insensitively.
// Names containing one of the exclude substrings are rejected. An empty
// names list means no filter.
func ResolveLabels(catalogue []mailbox.Label, names, exclude []string) (LabelFilter, error) {
	var f LabelFilter
	if len(names) == 0 {
		return f, nil
	}
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if excluded(name, exclude) {
			f.Excluded = append(f.Excluded, name)
			continue
		}
		id, ok := lookupLabel(catalogue, name)
		if !ok {
			f.Unknown = append(f.Unknown, name)
			continue
		}
		if !seen[id] {
			seen[id] = true
			f.IDs = append(f.IDs, id)
		}
	}
	if len(f.IDs) == 0 {
		return f, ErrNoLabels
	}
	return f, nil
}

func excluded(name string, exclude []string) bool {
	lower := strings.ToLower(name)
	for _, sub := range exclude {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func lookupLabel(catalogue []mailbox.Label, name string) (string, bool) {
	for _, l := range catalogue {
		if l.ID == name || strings.EqualFold(l.Name, name) {
			return l.ID, true
		}
	}
	return "", false
}
