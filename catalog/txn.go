package catalog

import (
	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
)

// Txn is a mutable overlay on a catalog snapshot. Operations validate
// against the overlay state (so one transaction can create an object
// and another that reads it), record themselves for the durable log,
// and leave the committed snapshot untouched until Commit swaps it in.
//
// A Txn is not safe for concurrent use; the sequencer runs at most one
// at a time.
type Txn struct {
	view   *Snapshot
	ops    []Op
	nextID uint64

	created meridian.Objects
	dropped meridian.Objects
}

// View returns the transaction's current state: the base snapshot plus
// every operation applied so far.
func (tx *Txn) View() *Snapshot {
	return tx.view
}

// Created returns the objects created in this transaction, in order.
func (tx *Txn) Created() meridian.Objects {
	return tx.created
}

// Dropped returns the objects dropped in this transaction, in drop
// order.
func (tx *Txn) Dropped() meridian.Objects {
	return tx.dropped
}

// Empty reports whether the transaction has recorded no operations.
func (tx *Txn) Empty() bool {
	return len(tx.ops) == 0
}

// CreateObject validates obj against the overlay, assigns it an id, and
// records its creation. The returned object is the stored copy; the
// argument is not retained.
func (tx *Txn) CreateObject(obj *meridian.Object) (*meridian.Object, error) {
	if obj.Name == "" {
		return nil, errors.Errorf("object name may not be blank")
	}
	if !obj.Kind.Valid() {
		return nil, errors.Errorf("unknown object kind %q", obj.Kind)
	}
	if err := meridian.ValidateCompactionWindow(obj.CompactionWindow); err != nil {
		return nil, err
	}
	if _, ok := tx.view.ObjectByName(obj.Name); ok {
		return nil, meridian.NewErrNameCollision(obj.Name)
	}
	for _, dep := range obj.DependsOn {
		if _, ok := tx.view.Object(dep); !ok {
			return nil, meridian.NewErrUnknownObjectID(dep)
		}
	}

	stored := obj.Copy()
	stored.ID = meridian.GlobalID(tx.nextID)
	if stored.CreatedAt == 0 {
		stored.CreatedAt = timestamp()
	}
	tx.nextID++

	tx.view = tx.view.withObject(stored)
	tx.ops = append(tx.ops, Op{Kind: OpCreate, Object: stored})
	tx.created = append(tx.created, stored)

	return stored, nil
}

// DropObject drops the named object. Without cascade the drop is
// refused while any live object reads it; with cascade the transitive
// dependents are dropped first, deepest first. The dropped objects are
// returned in drop order.
func (tx *Txn) DropObject(name meridian.ObjectName, cascade bool) (meridian.Objects, error) {
	obj, ok := tx.view.ObjectByName(name)
	if !ok {
		return nil, meridian.NewErrUnknownObject(name)
	}

	direct := tx.view.Dependents(obj.ID)
	if len(direct) > 0 && !cascade {
		names := make(meridian.ObjectNames, 0, len(direct))
		for _, id := range direct {
			if dep, ok := tx.view.Object(id); ok {
				names = append(names, dep.Name)
			}
		}
		return nil, meridian.NewErrDependentObjectsExist(name, names)
	}

	var out meridian.Objects
	for _, id := range tx.view.TransitiveDependents(obj.ID) {
		dep, ok := tx.view.Object(id)
		if !ok {
			continue
		}
		tx.drop(dep)
		out = append(out, dep)
	}
	tx.drop(obj)
	out = append(out, obj)

	return out, nil
}

func (tx *Txn) drop(obj *meridian.Object) {
	tx.view = tx.view.withoutObject(obj)
	tx.ops = append(tx.ops, Op{Kind: OpDrop, ObjectID: obj.ID, Name: obj.Name})
	tx.dropped = append(tx.dropped, obj)
}

// RenameObject renames from to to. The id is stable across the rename,
// so dependents are unaffected.
func (tx *Txn) RenameObject(from, to meridian.ObjectName) (*meridian.Object, error) {
	obj, ok := tx.view.ObjectByName(from)
	if !ok {
		return nil, meridian.NewErrUnknownObject(from)
	}
	if to == "" {
		return nil, errors.Errorf("object name may not be blank")
	}
	if _, ok := tx.view.ObjectByName(to); ok {
		return nil, meridian.NewErrNameCollision(to)
	}

	renamed := obj.Copy()
	renamed.Name = to

	tx.view = tx.view.withRename(renamed, from)
	tx.ops = append(tx.ops, Op{Kind: OpRename, ObjectID: obj.ID, Name: from, To: to})

	return renamed, nil
}
