package indexsync

import "sort"

// OperationKind is the net effect applied to a search document.
type OperationKind string

const (
	OpUpsert OperationKind = "upsert"
	OpDelete OperationKind = "delete"
)

// OperationKey identifies a search document.
type OperationKey struct {
	IndexName  string
	DocumentID string
}

func (k OperationKey) String() string {
	return k.IndexName + "/" + k.DocumentID
}

// OperationItem is one net operation against the search index. Data is nil
// for OpDelete.
type OperationItem struct {
	Kind       OperationKind
	DocumentID string
	IndexName  string
	Data       Document
}

// Key returns the identity of the item.
func (i OperationItem) Key() OperationKey {
	return OperationKey{IndexName: i.IndexName, DocumentID: i.DocumentID}
}

type setEntry struct {
	item OperationItem
	seq  uint64
}

// OperationSet holds at most one OperationItem per OperationKey. Every
// mutation replaces the stored item wholesale and moves it to the position of
// the latest mutation. A set belongs to a single batch and is not safe for
// concurrent use.
type OperationSet struct {
	entries map[OperationKey]setEntry
	seq     uint64
}

// NewOperationSet returns an empty set.
func NewOperationSet() *OperationSet {
	return &OperationSet{entries: make(map[OperationKey]setEntry)}
}

// Insert records an upsert for a newly created document.
func (s *OperationSet) Insert(id, index string, data Document) {
	s.put(OperationItem{Kind: OpUpsert, DocumentID: id, IndexName: index, Data: data})
}

// Modify records an upsert for an updated document.
func (s *OperationSet) Modify(id, index string, data Document) {
	s.put(OperationItem{Kind: OpUpsert, DocumentID: id, IndexName: index, Data: data})
}

// Delete records the removal of a document.
func (s *OperationSet) Delete(id, index string) {
	s.put(OperationItem{Kind: OpDelete, DocumentID: id, IndexName: index})
}

func (s *OperationSet) put(item OperationItem) {
	s.seq++
	s.entries[item.Key()] = setEntry{item: item, seq: s.seq}
}

// Total returns the number of net operations.
func (s *OperationSet) Total() int {
	return len(s.entries)
}

// Get returns the net operation stored for key.
func (s *OperationSet) Get(key OperationKey) (OperationItem, bool) {
	e, ok := s.entries[key]
	return e.item, ok
}

// Items returns the net operations ordered by the arrival of each key's
// latest mutation.
func (s *OperationSet) Items() []OperationItem {
	entries := make([]setEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	items := make([]OperationItem, len(entries))
	for i, e := range entries {
		items[i] = e.item
	}
	return items
}
