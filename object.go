package meridian

import (
	"encoding/json"
	"fmt"
	"time"
)

// GlobalID is the stable identifier of a catalog object. It is allocated
// at creation, survives renames, and is never reused after a drop.
type GlobalID uint64

func (id GlobalID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// GlobalIDs is a sortable slice of GlobalID.
type GlobalIDs []GlobalID

func (ids GlobalIDs) Len() int           { return len(ids) }
func (ids GlobalIDs) Less(i, j int) bool { return ids[i] < ids[j] }
func (ids GlobalIDs) Swap(i, j int)      { ids[i], ids[j] = ids[j], ids[i] }

// ObjectName is the user-visible name of a catalog object. Names are
// unique across all kinds; ids, not names, are stable.
type ObjectName string

func (n ObjectName) String() string {
	return string(n)
}

// ObjectNames is a sortable slice of ObjectName.
type ObjectNames []ObjectName

func (n ObjectNames) Len() int           { return len(n) }
func (n ObjectNames) Less(i, j int) bool { return n[i] < n[j] }
func (n ObjectNames) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }

// ObjectKind enumerates the kinds of catalog object.
type ObjectKind string

const (
	ObjectKindSource ObjectKind = "source"
	ObjectKindTable  ObjectKind = "table"
	ObjectKindView   ObjectKind = "view"
	ObjectKindIndex  ObjectKind = "index"
	ObjectKindSink   ObjectKind = "sink"
)

// Trackable reports whether objects of this kind carry a frontier. Views
// are definition only; everything else retains or produces data over time.
func (k ObjectKind) Trackable() bool {
	switch k {
	case ObjectKindSource, ObjectKindTable, ObjectKindIndex, ObjectKindSink:
		return true
	}
	return false
}

// Valid reports whether k is a known kind.
func (k ObjectKind) Valid() bool {
	switch k {
	case ObjectKindSource, ObjectKindTable, ObjectKindView, ObjectKindIndex, ObjectKindSink:
		return true
	}
	return false
}

// Object is a catalog entry. The dependency set holds the ids of the
// objects it reads; the catalog guarantees those exist for as long as this
// object does.
type Object struct {
	ID        GlobalID   `json:"id"`
	Name      ObjectName `json:"name"`
	Kind      ObjectKind `json:"kind"`
	DependsOn GlobalIDs  `json:"dependsOn,omitempty"`

	// Source and Sink carry connector configuration for the respective
	// kinds; they are nil on all others.
	Source *SourceConfig `json:"source,omitempty"`
	Sink   *SinkConfig   `json:"sink,omitempty"`

	// Plan is the compiled relational plan for views, indexes, and sinks.
	// The coordinator never looks inside it.
	Plan json.RawMessage `json:"plan,omitempty"`

	// StateHandle names durable state in the persistence layer, when the
	// object has any.
	StateHandle string `json:"stateHandle,omitempty"`

	// CompactionWindow overrides the retention policy for this object:
	// empty means the coordinator default, "off" pins since where it is,
	// anything else must parse as a duration.
	CompactionWindow string `json:"compactionWindow,omitempty"`

	// Inoperable marks an object whose dataflow could not be rebuilt at
	// boot. It stays in the catalog so the failure is visible and the
	// object remains droppable.
	Inoperable       bool   `json:"inoperable,omitempty"`
	InoperableReason string `json:"inoperableReason,omitempty"`

	CreatedAt int64 `json:"createdAt,omitempty"`
}

// Trackable reports whether the object carries a frontier.
func (o *Object) Trackable() bool {
	return o.Kind.Trackable()
}

// Copy returns a copy of o. Objects held by a catalog snapshot are
// shared and must never be mutated in place; mutate a copy.
func (o *Object) Copy() *Object {
	out := *o
	out.DependsOn = append(GlobalIDs(nil), o.DependsOn...)
	return &out
}

func (o *Object) String() string {
	return fmt.Sprintf("%s %s (id %d)", o.Kind, o.Name, uint64(o.ID))
}

// CompactionLag returns the object's compaction window override. ok is
// false when the object has none and the coordinator default applies.
// A window of "off" reports pinned.
func (o *Object) CompactionLag() (lag time.Duration, pinned bool, ok bool) {
	switch o.CompactionWindow {
	case "":
		return 0, false, false
	case "off":
		return 0, true, true
	}
	d, err := time.ParseDuration(o.CompactionWindow)
	if err != nil {
		return 0, false, false
	}
	return d, false, true
}

// ValidateCompactionWindow checks a compaction window option string.
func ValidateCompactionWindow(s string) error {
	if s == "" || s == "off" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return NewErrInvalidCompactionWindow(s)
	}
	return nil
}

// Objects is a sortable slice of *Object, ordered by id.
type Objects []*Object

func (o Objects) Len() int           { return len(o) }
func (o Objects) Less(i, j int) bool { return o[i].ID < o[j].ID }
func (o Objects) Swap(i, j int)      { o[i], o[j] = o[j], o[i] }
