// Package lifecycle tracks whether the gateway is accepting new calls.
package lifecycle

import "sync/atomic"

const (
	serving int32 = iota
	draining
)

// Lifecycle gates admission of new media streams. Once shutdown begins the
// gateway flips to draining: readiness reports unavailable and the media
// endpoint refuses upgrades while established calls run out the grace
// period.
type Lifecycle struct {
	state atomic.Int32
}

// SetDraining moves the gateway in or out of drain. Safe on a nil receiver
// so handlers can be constructed bare in tests.
func (l *Lifecycle) SetDraining(on bool) {
	if l == nil {
		return
	}
	if on {
		l.state.Store(draining)
		return
	}
	l.state.Store(serving)
}

func (l *Lifecycle) IsDraining() bool {
	return l != nil && l.state.Load() == draining
}
