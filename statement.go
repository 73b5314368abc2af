package meridian

import (
	"encoding/json"
)

// StatementKind enumerates the validated statements the coordinator
// accepts. Parsing and planning happen upstream; by the time a Statement
// arrives here it is structurally sound and carries any compiled plan as
// an opaque payload.
type StatementKind string

const (
	StatementCreateSource StatementKind = "create-source"
	StatementCreateTable  StatementKind = "create-table"
	StatementCreateView   StatementKind = "create-view"
	StatementCreateIndex  StatementKind = "create-index"
	StatementCreateSink   StatementKind = "create-sink"
	StatementDrop         StatementKind = "drop"
	StatementRename       StatementKind = "rename"
	StatementInsert       StatementKind = "insert"
	StatementSelect       StatementKind = "select"
	StatementSubscribe    StatementKind = "subscribe"
)

// Statement is the envelope for one validated statement. Exactly one of
// the payload fields matching Kind is set.
type Statement struct {
	Kind StatementKind `json:"kind"`

	CreateSource *CreateSourceStatement `json:"createSource,omitempty"`
	CreateTable  *CreateTableStatement  `json:"createTable,omitempty"`
	CreateView   *CreateViewStatement   `json:"createView,omitempty"`
	CreateIndex  *CreateIndexStatement  `json:"createIndex,omitempty"`
	CreateSink   *CreateSinkStatement   `json:"createSink,omitempty"`
	Drop         *DropStatement         `json:"drop,omitempty"`
	Rename       *RenameStatement       `json:"rename,omitempty"`
	Insert       *InsertStatement       `json:"insert,omitempty"`
	Select       *SelectStatement       `json:"select,omitempty"`
	Subscribe    *SubscribeStatement    `json:"subscribe,omitempty"`
}

// IsDDL reports whether the statement mutates the catalog.
func (s *Statement) IsDDL() bool {
	switch s.Kind {
	case StatementCreateSource, StatementCreateTable, StatementCreateView,
		StatementCreateIndex, StatementCreateSink, StatementDrop,
		StatementRename:
		return true
	}
	return false
}

// Validate checks that the payload matching Kind is present.
func (s *Statement) Validate() error {
	ok := false
	switch s.Kind {
	case StatementCreateSource:
		ok = s.CreateSource != nil
	case StatementCreateTable:
		ok = s.CreateTable != nil
	case StatementCreateView:
		ok = s.CreateView != nil
	case StatementCreateIndex:
		ok = s.CreateIndex != nil
	case StatementCreateSink:
		ok = s.CreateSink != nil
	case StatementDrop:
		ok = s.Drop != nil
	case StatementRename:
		ok = s.Rename != nil
	case StatementInsert:
		ok = s.Insert != nil
	case StatementSelect:
		ok = s.Select != nil
	case StatementSubscribe:
		ok = s.Subscribe != nil
	default:
		return NewErrInvalidStatement(string(s.Kind), "unknown statement kind")
	}
	if !ok {
		return NewErrInvalidStatement(string(s.Kind), "statement payload missing")
	}
	return nil
}

// CreateSourceStatement creates a source object fed by an external system.
type CreateSourceStatement struct {
	Name             ObjectName   `json:"name"`
	Config           SourceConfig `json:"config"`
	CompactionWindow string       `json:"compactionWindow,omitempty"`
	IfNotExists      bool         `json:"ifNotExists,omitempty"`
}

// CreateTableStatement creates a writable table.
type CreateTableStatement struct {
	Name        ObjectName `json:"name"`
	IfNotExists bool       `json:"ifNotExists,omitempty"`
}

// CreateViewStatement creates a definition-only view over named inputs.
type CreateViewStatement struct {
	Name        ObjectName      `json:"name"`
	ReadsFrom   ObjectNames     `json:"readsFrom"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	IfNotExists bool            `json:"ifNotExists,omitempty"`
}

// CreateIndexStatement materializes a view or source: the catalog entry
// gets a frontier and the engine gets a dataflow maintaining it.
type CreateIndexStatement struct {
	Name             ObjectName      `json:"name"`
	On               ObjectName      `json:"on"`
	Plan             json.RawMessage `json:"plan,omitempty"`
	CompactionWindow string          `json:"compactionWindow,omitempty"`
	IfNotExists      bool            `json:"ifNotExists,omitempty"`
}

// CreateSinkStatement streams changes of a named object out through a
// connector.
type CreateSinkStatement struct {
	Name        ObjectName      `json:"name"`
	From        ObjectName      `json:"from"`
	Config      SinkConfig      `json:"config"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	IfNotExists bool            `json:"ifNotExists,omitempty"`
}

// DropStatement drops the named objects. Without Cascade, a live
// dependent refuses the drop; with it, the full dependent closure goes in
// the same catalog transaction.
type DropStatement struct {
	Names    ObjectNames `json:"names"`
	Cascade  bool        `json:"cascade,omitempty"`
	IfExists bool        `json:"ifExists,omitempty"`
}

// RenameStatement renames an object. Its id, and so everything depending
// on it, is untouched.
type RenameStatement struct {
	From ObjectName `json:"from"`
	To   ObjectName `json:"to"`
}

// InsertStatement appends rows to a table. Rows are opaque; the engine
// interprets them.
type InsertStatement struct {
	Table ObjectName      `json:"table"`
	Rows  json.RawMessage `json:"rows"`
}

// SelectStatement reads the named objects at one consistent timestamp.
// AsOf forces an explicit timestamp instead of letting the oracle choose.
type SelectStatement struct {
	From ObjectNames     `json:"from"`
	Plan json.RawMessage `json:"plan,omitempty"`
	AsOf *Timestamp      `json:"asOf,omitempty"`
}

// SubscribeStatement opens a standing read on an object. The dataflow
// and its holds live until the session cancels or disconnects.
type SubscribeStatement struct {
	From ObjectName      `json:"from"`
	Plan json.RawMessage `json:"plan,omitempty"`
}
