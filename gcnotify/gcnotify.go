// Package gcnotify adapts CAFxX/gcnotifier to the GCNotifier interface,
// feeding garbage collection counts into the runtime metrics.
package gcnotify

import (
	"github.com/CAFxX/gcnotifier"

	"github.com/meridiandb/meridian"
)

// Ensure activeGCNotifier implements interface.
var _ meridian.GCNotifier = &activeGCNotifier{}

type activeGCNotifier struct {
	gcn *gcnotifier.GCNotifier
}

// NewActiveGCNotifier creates an active GCNotifier.
func NewActiveGCNotifier() *activeGCNotifier {
	return &activeGCNotifier{
		gcn: gcnotifier.New(),
	}
}

// Close implements the GCNotifier interface.
func (n *activeGCNotifier) Close() {
	n.gcn.Close()
}

// AfterGC implements the GCNotifier interface.
func (n *activeGCNotifier) AfterGC() <-chan struct{} {
	return n.gcn.AfterGC()
}
