package catalog

import (
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash"
	"github.com/meridiandb/meridian"
)

// Snapshot is one consistent, immutable image of the catalog: every
// object, the name index, and the reverse dependency edges. Lookups
// never lock; mutation happens on a transaction overlay which produces
// a new snapshot, and commit swaps the pointer.
type Snapshot struct {
	objects    *immutable.Map[meridian.GlobalID, *meridian.Object]
	names      *immutable.Map[meridian.ObjectName, meridian.GlobalID]
	dependents *immutable.Map[meridian.GlobalID, meridian.GlobalIDs]
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		objects:    immutable.NewMap[meridian.GlobalID, *meridian.Object](&globalIDHasher{}),
		names:      immutable.NewMap[meridian.ObjectName, meridian.GlobalID](&objectNameHasher{}),
		dependents: immutable.NewMap[meridian.GlobalID, meridian.GlobalIDs](&globalIDHasher{}),
	}
}

// Object returns the object with the given id.
func (s *Snapshot) Object(id meridian.GlobalID) (*meridian.Object, bool) {
	return s.objects.Get(id)
}

// ObjectByName returns the object with the given name.
func (s *Snapshot) ObjectByName(name meridian.ObjectName) (*meridian.Object, bool) {
	id, ok := s.names.Get(name)
	if !ok {
		return nil, false
	}
	return s.objects.Get(id)
}

// Objects returns every object, ordered by id.
func (s *Snapshot) Objects() meridian.Objects {
	out := make(meridian.Objects, 0, s.objects.Len())
	itr := s.objects.Iterator()
	for !itr.Done() {
		_, obj, _ := itr.Next()
		out = append(out, obj)
	}
	sort.Sort(out)
	return out
}

// Len returns the number of objects.
func (s *Snapshot) Len() int {
	return s.objects.Len()
}

// Dependents returns the ids of the objects that directly read id,
// sorted. Callers must not modify the returned slice.
func (s *Snapshot) Dependents(id meridian.GlobalID) meridian.GlobalIDs {
	deps, _ := s.dependents.Get(id)
	return deps
}

// TransitiveDependents returns everything that directly or transitively
// reads id, deepest first, so that dropping the result in order never
// violates dependency integrity. id itself is not included.
func (s *Snapshot) TransitiveDependents(id meridian.GlobalID) meridian.GlobalIDs {
	var out meridian.GlobalIDs
	seen := meridian.NewSet[meridian.GlobalID]()
	var visit func(meridian.GlobalID)
	visit = func(cur meridian.GlobalID) {
		deps, _ := s.dependents.Get(cur)
		for _, d := range deps {
			if seen.Contains(d) {
				continue
			}
			seen.Add(d)
			visit(d)
			out = append(out, d)
		}
	}
	visit(id)
	return out
}

// withObject returns a snapshot with obj added, including its name and
// its dependency edges.
func (s *Snapshot) withObject(obj *meridian.Object) *Snapshot {
	next := &Snapshot{
		objects:    s.objects.Set(obj.ID, obj),
		names:      s.names.Set(obj.Name, obj.ID),
		dependents: s.dependents,
	}
	for _, dep := range obj.DependsOn {
		deps, _ := next.dependents.Get(dep)
		next.dependents = next.dependents.Set(dep, insertID(deps, obj.ID))
	}
	return next
}

// withoutObject returns a snapshot with obj removed.
func (s *Snapshot) withoutObject(obj *meridian.Object) *Snapshot {
	next := &Snapshot{
		objects:    s.objects.Delete(obj.ID),
		names:      s.names.Delete(obj.Name),
		dependents: s.dependents.Delete(obj.ID),
	}
	for _, dep := range obj.DependsOn {
		deps, _ := next.dependents.Get(dep)
		deps = removeID(deps, obj.ID)
		if len(deps) == 0 {
			next.dependents = next.dependents.Delete(dep)
		} else {
			next.dependents = next.dependents.Set(dep, deps)
		}
	}
	return next
}

// withRename returns a snapshot with obj stored under its new name. obj
// must already carry the new name; prev is the name being vacated.
func (s *Snapshot) withRename(obj *meridian.Object, prev meridian.ObjectName) *Snapshot {
	return &Snapshot{
		objects:    s.objects.Set(obj.ID, obj),
		names:      s.names.Delete(prev).Set(obj.Name, obj.ID),
		dependents: s.dependents,
	}
}

// withReplaced returns a snapshot with obj swapped in under its
// existing id and name.
func (s *Snapshot) withReplaced(obj *meridian.Object) *Snapshot {
	return &Snapshot{
		objects:    s.objects.Set(obj.ID, obj),
		names:      s.names,
		dependents: s.dependents,
	}
}

func insertID(ids meridian.GlobalIDs, id meridian.GlobalID) meridian.GlobalIDs {
	out := make(meridian.GlobalIDs, 0, len(ids)+1)
	out = append(out, ids...)
	out = append(out, id)
	sort.Sort(out)
	return out
}

func removeID(ids meridian.GlobalIDs, id meridian.GlobalID) meridian.GlobalIDs {
	out := make(meridian.GlobalIDs, 0, len(ids))
	for _, cur := range ids {
		if cur != id {
			out = append(out, cur)
		}
	}
	return out
}

// globalIDHasher implements immutable.Hasher for GlobalID keys.
type globalIDHasher struct{}

func (h *globalIDHasher) Hash(id meridian.GlobalID) uint32 {
	return hashUint64(uint64(id))
}

func (h *globalIDHasher) Equal(a, b meridian.GlobalID) bool {
	return a == b
}

// objectNameHasher implements immutable.Hasher for ObjectName keys.
type objectNameHasher struct{}

func (h *objectNameHasher) Hash(name meridian.ObjectName) uint32 {
	return hashUint64(xxhash.Sum64String(string(name)))
}

func (h *objectNameHasher) Equal(a, b meridian.ObjectName) bool {
	return a == b
}

// hashUint64 returns a 32-bit hash for a 64-bit value.
func hashUint64(value uint64) uint32 {
	hash := value
	for value > 0xffffffff {
		value /= 0xffffffff
		hash ^= value
	}
	return uint32(hash)
}
