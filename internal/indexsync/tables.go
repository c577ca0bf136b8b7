package indexsync

import (
	"fmt"
	"regexp"
	"sort"
)

// DocumentKind tags the kind of document a store table holds.
type DocumentKind string

const (
	KindCmsEntry       DocumentKind = "cms-entry"
	KindPage           DocumentKind = "page"
	KindFormSubmission DocumentKind = "form-submission"
	KindFile           DocumentKind = "file"
)

var knownKinds = map[DocumentKind]struct{}{
	KindCmsEntry:       {},
	KindPage:           {},
	KindFormSubmission: {},
	KindFile:           {},
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// TableMap resolves which store table backs each document kind. It is built
// once at startup and never consulted with predicates.
type TableMap struct {
	byKind  map[DocumentKind]string
	byTable map[string]DocumentKind
}

// NewTableMap validates the kind to table mapping. Unknown kinds, malformed
// table names and tables claimed by two kinds are rejected.
func NewTableMap(raw map[string]string) (TableMap, error) {
	m := TableMap{
		byKind:  make(map[DocumentKind]string, len(raw)),
		byTable: make(map[string]DocumentKind, len(raw)),
	}
	for k, table := range raw {
		kind := DocumentKind(k)
		if _, ok := knownKinds[kind]; !ok {
			return TableMap{}, fmt.Errorf("%w: unknown document kind %q", ErrInvalidConfig, k)
		}
		if !tableNamePattern.MatchString(table) {
			return TableMap{}, fmt.Errorf("%w: invalid table name %q for kind %q", ErrInvalidConfig, table, k)
		}
		if other, ok := m.byTable[table]; ok {
			return TableMap{}, fmt.Errorf("%w: table %q mapped to both %q and %q", ErrInvalidConfig, table, other, kind)
		}
		m.byKind[kind] = table
		m.byTable[table] = kind
	}
	return m, nil
}

// Table returns the table backing the provided kind.
func (m TableMap) Table(kind DocumentKind) (string, bool) {
	t, ok := m.byKind[kind]
	return t, ok
}

// Kind returns the document kind stored in the provided table.
func (m TableMap) Kind(table string) (DocumentKind, bool) {
	k, ok := m.byTable[table]
	return k, ok
}

// Tables lists every registered table in name order.
func (m TableMap) Tables() []string {
	tables := make([]string, 0, len(m.byTable))
	for t := range m.byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Resolve accepts either a document kind or a registered table name.
func (m TableMap) Resolve(name string) (string, error) {
	if t, ok := m.byKind[DocumentKind(name)]; ok {
		return t, nil
	}
	if _, ok := m.byTable[name]; ok {
		return name, nil
	}
	return "", fmt.Errorf("unknown table or document kind %q", name)
}
