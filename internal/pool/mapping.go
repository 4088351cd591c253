package pool

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// MappingName is the reserved namespace entry holding the path to slot table.
const MappingName = ".mapping.json"

const mappingVersion = 1

// mapping is the persisted form of the pool. Unknown fields are ignored on load so
// that newer writers stay readable.
type mapping struct {
	Version  int            `json:"version"`
	Capacity int            `json:"capacity"`
	Slots    []mappingEntry `json:"slots"`
}

type mappingEntry struct {
	Index int    `json:"index"`
	File  string `json:"file"`
	Path  string `json:"path,omitempty"`
	Flags uint32 `json:"flags,omitempty"`
}

func decodeMapping(data []byte) (*mapping, error) {
	var doc mapping
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, vfserrors.New(vfserrors.KindIO, "persisted mapping is unreadable").
			WithComponent("pool").WithOperation("load").WithPath(MappingName).
			WithCause(errors.WithMessage(err, "decode mapping"))
	}
	sort.SliceStable(doc.Slots, func(i, j int) bool {
		return doc.Slots[i].Index < doc.Slots[j].Index
	})
	return &doc, nil
}

// snapshotLocked renders the in-memory table. Slots condemned by a delete are
// written as free: after a restart no stale reader can hold them.
func (m *Manager) snapshotLocked() ([]byte, error) {
	doc := mapping{
		Version:  mappingVersion,
		Capacity: len(m.slots),
		Slots:    make([]mappingEntry, 0, len(m.slots)),
	}
	for _, s := range m.slots {
		entry := mappingEntry{Index: s.index, File: s.file}
		if s.path != "" && !s.doomed {
			entry.Path = s.path
			entry.Flags = s.flags
		}
		doc.Slots = append(doc.Slots, entry)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// persistLocked writes the mapping through to the namespace.
func (m *Manager) persistLocked() error {
	data, err := m.snapshotLocked()
	if err != nil {
		return vfserrors.Wrap(vfserrors.KindIO, err, "encode mapping").
			WithComponent("pool").WithOperation("persist")
	}
	if err := m.ns.WriteFile(MappingName, data); err != nil {
		return err
	}
	return nil
}
