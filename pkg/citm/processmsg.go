package citm

import (
	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/listener"
	"github.com/ljanyst/citm/pkg/maildir"
)

// installProcessMsg wires kd's own ProcessMsg (the decryption/mangling
// hook described in SPEC_FULL.md §4.8) onto dm as its local-add hook,
// closing over kd so pkg/maildir never has to import pkg/keydir
// (SPEC_FULL.md §6 treats the cache as an external collaborator
// specified only at its interface). ev, if non-nil, is notified of
// every fingerprint either this hook or AddKeyFromServer's XKEYSYNC
// path alerts on, via kd's alert hook — both sites funnel through the
// same injectNewDevice call in pkg/keydir.
func installProcessMsg(kd *keydir.KeyDir, dm *maildir.DirMgr, ev listener.Listener) {
	if ev != nil {
		kd.SetAlertHook(func(fprHex string) {
			ev.Emit(events.NewDeviceEvent, fprHex)
		})
	}
	dm.SetProcessMsg(kd.ProcessMsg)
}
