// Package keydir implements the per-user KeyDir, FprWatcher and the
// end-to-end decryption/encryption hook described in spec.md §3, §4.5,
// §4.8 and §4.9, grounded on original_source/libcitm/keydir.c,
// fpr_watcher.c and date.c.
package keydir

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/cerrs"
)

var log = logrus.WithField("pkg", "keydir")

// Injector is how KeyDir asks its owner to commit a synthetic message
// into the local INBOX (spec.md §4.5: "added to the INBOX via the
// mail-cache's local-add hook"). It is implemented by pkg/maildir's
// DirMgr and wired in after the cache is constructed, since spec.md §6
// treats the mail cache as an external collaborator the KeyDir doesn't
// own directly (the original's keydir_t embeds dirmgr_t; this rewrite
// decouples the two behind a narrow interface instead).
type Injector interface {
	InjectMessage(ctx context.Context, mailbox string, content []byte, intdate time.Time) error
}

// KeyDir is the per-user directory plus in-memory state holding mykey,
// peers, fingerprint history, synced-mailbox history (spec.md §3).
type KeyDir struct {
	User string
	Root string

	MyKey *KeyPair
	// peers is kept sorted by fingerprint hex for deterministic
	// all_keys ordering (spec.md §4.5 step 2: "mykey first, then peers
	// in lexical order").
	peers []*KeyPair

	Watcher *FprWatcher

	inject  Injector
	onAlert func(fprHex string)
}

// Open loads or initializes the KeyDir rooted at <root>/<user>, per the
// persistence layout in spec.md §6.
func Open(root, user string) (*KeyDir, error) {
	dir := filepath.Join(root, user)
	keyPath := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keyPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "mkdir keys")
	}

	mykey, err := loadOrGenMykey(keyPath)
	if err != nil {
		return nil, err
	}

	peers, err := loadPeers(keyPath, mykey.FingerprintHex())
	if err != nil {
		return nil, err
	}

	watcher, err := OpenFprWatcher(filepath.Join(dir, "fingerprints"), func(f string, a ...interface{}) {
		log.WithField("user", user).Warnf(f, a...)
	})
	if err != nil {
		return nil, err
	}

	return &KeyDir{
		User:    user,
		Root:    dir,
		MyKey:   mykey,
		peers:   peers,
		Watcher: watcher,
	}, nil
}

// SetInjector wires the message-injection collaborator. Must be called
// before AddKeyFromServer or ProcessMsg can raise alerts.
func (kd *KeyDir) SetInjector(i Injector) { kd.inject = i }

// SetAlertHook registers a callback run, with the alerted fingerprint's
// hex encoding, every time injectNewDevice actually commits a new-device
// message — whether triggered via AddKeyFromServer's XKEYSYNC path or
// ProcessMsg's decrypt path. Both alert sites funnel through the same
// injectNewDevice call, so one hook covers both without either caller
// needing to know about it.
func (kd *KeyDir) SetAlertHook(f func(fprHex string)) { kd.onAlert = f }

func mykeyPath(keyPath string) string { return filepath.Join(keyPath, "mykey.pem") }

func loadOrGenMykey(keyPath string) (*KeyPair, error) {
	path := mykeyPath(keyPath)
	data, err := os.ReadFile(path)
	if err == nil {
		kp, parseErr := LoadPrivateKeyPair(string(data))
		if parseErr == nil {
			return kp, nil
		}
		// Corrupt key: delete and regenerate, per
		// original_source/libcitm/keydir.c's _load_or_gen_mykey.
		log.WithError(parseErr).Warn("mykey.pem corrupt, regenerating")
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, errors.Wrap(rmErr, "remove corrupt mykey")
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read mykey.pem")
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	priv, err := kp.ArmoredPrivate()
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, []byte(priv), 0o600); err != nil {
		return nil, errors.Wrap(err, "write mykey.pem")
	}
	return kp, nil
}

func loadPeers(keyPath, mykeyHex string) ([]*KeyPair, error) {
	entries, err := os.ReadDir(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read keys dir")
	}
	var peers []*KeyPair
	for _, e := range entries {
		if e.IsDir() || e.Name() == "mykey.pem" || filepath.Ext(e.Name()) != ".pem" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(keyPath, e.Name()))
		if err != nil {
			log.WithError(err).Warnf("dropping unreadable peer key %s", e.Name())
			continue
		}
		kp, err := KeyPairFromPublicPEM(string(data))
		if err != nil {
			log.WithError(err).Warnf("dropping corrupt peer key %s", e.Name())
			continue
		}
		if kp.FingerprintHex() == mykeyHex {
			continue
		}
		peers = append(peers, kp)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].FingerprintHex() < peers[j].FingerprintHex()
	})
	return peers, nil
}

// AllKeys returns mykey followed by every peer in lexical fingerprint
// order, per spec.md §4.5 step 2 and §4.7 step 3 ("every key in
// KeyDir.all_keys()").
func (kd *KeyDir) AllKeys() []*KeyPair {
	out := make([]*KeyPair, 0, len(kd.peers)+1)
	out = append(out, kd.MyKey)
	out = append(out, kd.peers...)
	return out
}

// Peers returns the current peer list, sorted by fingerprint hex.
func (kd *KeyDir) Peers() []*KeyPair { return append([]*KeyPair(nil), kd.peers...) }

func (kd *KeyDir) findPeer(fprHex string) int {
	for i, p := range kd.peers {
		if p.FingerprintHex() == fprHex {
			return i
		}
	}
	return -1
}

func (kd *KeyDir) peerPath(fprHex string) string {
	return filepath.Join(kd.Root, "keys", fprHex+".pem")
}

// AddKeyFromServer adds (or refreshes) a peer key discovered via
// XKEYSYNC CREATED. If this is not mykey itself, viaXKeySync is set,
// and the watcher says it deserves an alert, the new
// device message is injected into INBOX *before* the fingerprint is
// recorded, per spec.md §8's invariant ("the corresponding injected
// INBOX message is committed before F is added to fprs_seen").
func (kd *KeyDir) AddKeyFromServer(ctx context.Context, armoredPub string, viaXKeySync bool) error {
	kp, err := KeyPairFromPublicPEM(armoredPub)
	if err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}

	if kp.FingerprintHex() == kd.MyKey.FingerprintHex() {
		// the server is just echoing mykey back to us; nothing to add.
		return nil
	}

	var alert bool
	if viaXKeySync {
		alert = kd.Watcher.ShouldAlertOnNewKey(kp.Fingerprint)
	}
	if alert {
		if err := kd.injectNewDevice(ctx, kp.FingerprintHex()); err != nil {
			return err
		}
	}
	if err := kd.Watcher.AddFpr(kp.Fingerprint); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}

	if err := writeFileAtomic(kd.peerPath(kp.FingerprintHex()), []byte(kp.ArmoredPub), 0o600); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}

	if i := kd.findPeer(kp.FingerprintHex()); i >= 0 {
		kd.peers[i] = kp
	} else {
		kd.peers = append(kd.peers, kp)
		sort.Slice(kd.peers, func(i, j int) bool {
			return kd.peers[i].FingerprintHex() < kd.peers[j].FingerprintHex()
		})
	}
	return nil
}

// DeleteKey removes a peer by fingerprint (XKEYSYNC DELETED), logging
// but not failing on filesystem errors, per
// original_source/libcitm/keydir.c's kd_delete_key.
func (kd *KeyDir) DeleteKey(fprHex string) {
	if i := kd.findPeer(fprHex); i >= 0 {
		kd.peers = append(kd.peers[:i], kd.peers[i+1:]...)
	}
	if err := os.Remove(kd.peerPath(fprHex)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to delete obsolete key from files")
	}
}

// MarkXKeySyncCompleted records that the first full XKEYSYNC has
// finished, per spec.md §4.5 step 3.
func (kd *KeyDir) MarkXKeySyncCompleted() error {
	return kd.Watcher.MarkXKeySyncCompleted()
}

// InjectNewDeviceAlert commits the "new device detected" message for
// fprHex into INBOX, for a caller that knows only a bare fingerprint
// rather than a full public key and so can't go through
// AddKeyFromServer. The decryption hook (ProcessMsg, spec.md §4.8) is
// in this package and calls injectNewDevice directly.
func (kd *KeyDir) InjectNewDeviceAlert(ctx context.Context, fprHex string) error {
	return kd.injectNewDevice(ctx, fprHex)
}

func (kd *KeyDir) injectNewDevice(ctx context.Context, fprHex string) error {
	if kd.inject == nil {
		return nil
	}
	content, intdate, err := NewDeviceMessage(fprHex, time.Now())
	if err != nil {
		return cerrs.Wrap(err, cerrs.Internal)
	}
	if err := kd.inject.InjectMessage(ctx, "INBOX", content, intdate); err != nil {
		return cerrs.Wrap(err, cerrs.Internal)
	}
	if kd.onAlert != nil {
		kd.onAlert(fprHex)
	}
	return nil
}
