// Package events provides names of events used by the event listener in citm.
package events

import (
	"github.com/ljanyst/citm/pkg/listener"
)

// Constants of events used by the event listener.
const (
	CloseConnectionEvent = "closeConnection"
	NewDeviceEvent       = "newDeviceDetected"
	XKeySyncDoneEvent    = "xkeySyncCompleted"
)

// SetupEvents wires any process-wide event forwarding. The core itself
// only emits; nothing in the core subscribes, so this is presently a
// no-op left as a seam for a future status/IPC subscriber (out of scope
// per spec.md §1).
func SetupEvents(listener listener.Listener) {
}
