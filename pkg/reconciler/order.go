package reconciler

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	perrs "persistd/errors"
)

// sortTable validates every entry and returns the table in application
// order: an entry whose ephemeral path is a prefix of another's must be
// applied first, otherwise the nested entry would materialize inside a tree
// that a later symlink or bind mount replaces. Sorting by path depth (then
// lexicographically for determinism) satisfies the prefix ordering without
// needing a full dependency graph.
func sortTable(table []*Entry) ([]*Entry, error) {
	seen := make(map[string]string, len(table))

	sorted := make([]*Entry, len(table))
	for i, e := range table {
		if err := e.Validate(); err != nil {
			return nil, err
		}

		clean := filepath.Clean(e.EphemeralPath)
		if prev, ok := seen[clean]; ok {
			return nil, errors.Wrapf(perrs.DuplicateEntry, "%s declared by both %q and %q", clean, prev, e.Name)
		}
		seen[clean] = e.Name
		sorted[i] = e
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		di := pathDepth(sorted[i].EphemeralPath)
		dj := pathDepth(sorted[j].EphemeralPath)
		if di != dj {
			return di < dj
		}
		return sorted[i].EphemeralPath < sorted[j].EphemeralPath
	})

	return sorted, nil
}

func pathDepth(path string) int {
	clean := filepath.Clean(path)
	if clean == "/" {
		return 0
	}
	return strings.Count(clean, "/")
}
