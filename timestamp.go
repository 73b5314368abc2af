package meridian

import (
	"fmt"
)

// Timestamp is a logical time. All reads and writes are stamped with one,
// and every trackable object's frontier is a pair of them.
type Timestamp uint64

// MinTimestamp is the theoretical minimum. A trackable object's upper sits
// here until its first data arrives, which is what makes bootstrapping
// reads suspend rather than observe an empty prefix.
const MinTimestamp Timestamp = 0

func (t Timestamp) String() string {
	return fmt.Sprintf("%d", uint64(t))
}

// Timestamps is a sortable slice of Timestamp.
type Timestamps []Timestamp

func (t Timestamps) Len() int           { return len(t) }
func (t Timestamps) Less(i, j int) bool { return t[i] < t[j] }
func (t Timestamps) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

// Frontier is the pair of logical times bracketing the data an object
// currently retains: since is the oldest readable time, upper is the least
// time not yet written. Both only ever move forward, and since never
// passes upper.
type Frontier struct {
	Since Timestamp `json:"since"`
	Upper Timestamp `json:"upper"`
}

// NewFrontier returns a frontier at the theoretical minimum, the state of
// a freshly created object.
func NewFrontier() Frontier {
	return Frontier{
		Since: MinTimestamp,
		Upper: MinTimestamp,
	}
}

func (f Frontier) String() string {
	return fmt.Sprintf("[%d, %d)", uint64(f.Since), uint64(f.Upper))
}

// Contains reports whether ts falls in the readable window [since, upper).
func (f Frontier) Contains(ts Timestamp) bool {
	return ts >= f.Since && ts < f.Upper
}

// Valid reports whether the frontier honors since <= upper.
func (f Frontier) Valid() bool {
	return f.Since <= f.Upper
}
