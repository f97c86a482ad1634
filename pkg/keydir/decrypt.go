package keydir

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ljanyst/citm/pkg/cerrs"
)

// ProcessMsg implements the mail-cache's local-add hook (spec.md §4.8),
// grounded on original_source/libcitm/keydir.c's
// imaildir_hooks_process_msg / decrypt_msg. It is called once per
// message landing in mailbox's local cache and returns the content that
// should actually be stored there.
//
// Four outcomes, matching the original exactly:
//
//   - not framed as a splintermail message: the Subject is mangled with
//     "NOT ENCRYPTED:" so a casually-reading human notices the message
//     never passed through end-to-end encryption.
//   - framed, but mykey's fingerprint isn't in the manifest: NotForMe is
//     returned and the caller drops the message (spec.md §4.8).
//   - framed, decryptable: for every OTHER fingerprint in the manifest
//     that warrants an alert, the new-device message is injected BEFORE
//     that fingerprint is recorded as seen (spec.md §8's invariant), then
//     the plaintext is stored.
//   - framed, but decryption fails: the corrupted-message fallback is
//     stored instead, so the user sees that something arrived rather than
//     silently losing the message.
func (kd *KeyDir) ProcessMsg(ctx context.Context, mailbox string, content []byte, now time.Time) ([]byte, error) {
	if !IsEncrypted(content) {
		return MangleUnencrypted(content), nil
	}

	manifest, err := ParseEnvelope(content)
	if err != nil {
		return CorruptedMessage(content, now)
	}

	if !manifest.HasRecipient(kd.MyKey.Fingerprint) {
		return nil, cerrs.NotForMe
	}

	plain, err := Decrypt(manifest.Payload, kd.MyKey)
	if err != nil {
		return CorruptedMessage(content, now)
	}

	for _, fpr := range manifest.Recipients {
		if fpr == kd.MyKey.Fingerprint {
			continue
		}
		if kd.Watcher.ShouldAlertOnDecrypt(fpr, mailbox) {
			if err := kd.injectNewDevice(ctx, hexEncode(fpr[:])); err != nil {
				return nil, err
			}
		}
		if err := kd.Watcher.AddFpr(fpr); err != nil {
			return nil, errors.Wrap(err, "record fingerprint")
		}
	}

	// Marked synced lazily, on first successful decrypt in this mailbox,
	// rather than requiring a separate sync-complete signal from the
	// cache. A write failure here is non-fatal: the message itself
	// already decrypted fine.
	_ = kd.Watcher.MailboxSynced(mailbox)

	return plain, nil
}
