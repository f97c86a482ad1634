// Package maildir is the reference implementation of spec.md §6's mail
// cache collaborator interface: a per-user local IMAP cache keyed by
// mailbox, with a bbolt-backed index (UID, flags, MODSEQ) and message
// bodies on the filesystem. spec.md explicitly scopes the on-disk
// maildir format itself out of the session core ("only the interface
// the decryption hook and APPEND path need is specified"); this
// package is that implementation, not a requirement of the core, which
// only depends on the DirMgr methods below.
package maildir

import (
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMailboxes = []byte("mailboxes")
	bucketMeta      = []byte("meta")
	bucketMsgs      = []byte("msgs")

	keyUidValidity   = []byte("uidvalidity")
	keyUidNext       = []byte("uidnext")
	keyHighestModSeq = []byte("highestmodseq")
)

// MessageMeta is the indexed record for one cached message.
type MessageMeta struct {
	UID     uint32    `json:"uid"`
	Flags   []string  `json:"flags"`
	ModSeq  uint64    `json:"modseq"`
	IntDate time.Time `json:"intdate"`
	Size    int       `json:"size"`
}

// MailboxAttrs is the subset of STATUS attributes the cache can answer
// authoritatively (spec.md §6 process_status_resp).
type MailboxAttrs struct {
	Messages      uint32
	UIDNext       uint32
	UIDValidity   uint32
	HighestModSeq uint64
	Unseen        uint32
}

// Store is the bbolt-backed index plus filesystem body store for one
// user's mail cache, rooted at <KeyDirRoot>/<user>/mail.
type Store struct {
	root string
	db   *bolt.DB

	tmpCounter uint64
}

// OpenStore opens (creating if needed) the cache rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if err := mkdirAll(dir); err != nil {
		return nil, err
	}
	if err := mkdirAll(filepath.Join(dir, "tmp")); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "cache.db"), 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open cache.db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMailboxes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init cache.db")
	}
	return &Store{root: dir, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NewTmpID returns a monotonic counter for temp-file names, per spec.md
// §6's new_tmp_id.
func (s *Store) NewTmpID() uint64 { return atomic.AddUint64(&s.tmpCounter, 1) }

func (s *Store) tmpPath(id uint64) string {
	return filepath.Join(s.root, "tmp", itoa(id))
}

// WriteTmp writes content under tmp/<id> (spec.md §4.7 step 1) and
// returns the path so the caller can later move or discard it.
func (s *Store) WriteTmp(id uint64, content []byte) (string, error) {
	path := s.tmpPath(id)
	if err := writeFileAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) ReadTmp(path string) ([]byte, error) { return readFile(path) }

func (s *Store) RemoveTmp(path string) error { return removeFile(path) }

func (s *Store) bodyPath(mailbox string, uid uint32) string {
	return filepath.Join(s.root, sanitize(mailbox), itoa(uint64(uid))+".eml")
}

// EnsureMailbox creates the bbolt buckets and filesystem directory for
// mailbox if they don't already exist, assigning a fresh uidvalidity.
func (s *Store) EnsureMailbox(mailbox string) error {
	if err := mkdirAll(filepath.Join(s.root, sanitize(mailbox))); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		top, err := tx.Bucket(bucketMailboxes).CreateBucketIfNotExists([]byte(mailbox))
		if err != nil {
			return err
		}
		meta, err := top.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if meta.Get(keyUidValidity) == nil {
			if err := meta.Put(keyUidValidity, encodeU32(uint32(time.Now().Unix()))); err != nil {
				return err
			}
			if err := meta.Put(keyUidNext, encodeU32(1)); err != nil {
				return err
			}
			if err := meta.Put(keyHighestModSeq, encodeU64(0)); err != nil {
				return err
			}
		}
		_, err = top.CreateBucketIfNotExists(bucketMsgs)
		return err
	})
}

// Attrs returns the mailbox's authoritative cache attributes.
func (s *Store) Attrs(mailbox string) (MailboxAttrs, error) {
	var attrs MailboxAttrs
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		meta := top.Bucket(bucketMeta)
		attrs.UIDValidity = decodeU32(meta.Get(keyUidValidity))
		attrs.UIDNext = decodeU32(meta.Get(keyUidNext))
		attrs.HighestModSeq = decodeU64(meta.Get(keyHighestModSeq))

		msgs := top.Bucket(bucketMsgs)
		c := msgs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			attrs.Messages++
			var m MessageMeta
			if err := json.Unmarshal(v, &m); err == nil && !hasFlag(m.Flags, `\Seen`) {
				attrs.Unseen++
			}
		}
		return nil
	})
	return attrs, err
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// AppendMessage stores content under mailbox, assigning it the next
// UID, bumping uidnext and the mailbox's HighestModSeq. Returns the
// assigned UID.
func (s *Store) AppendMessage(mailbox string, content []byte, flags []string, intdate time.Time) (uint32, error) {
	var uid uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		meta := top.Bucket(bucketMeta)
		uid = decodeU32(meta.Get(keyUidNext))
		if err := meta.Put(keyUidNext, encodeU32(uid+1)); err != nil {
			return err
		}
		modseq := decodeU64(meta.Get(keyHighestModSeq)) + 1
		if err := meta.Put(keyHighestModSeq, encodeU64(modseq)); err != nil {
			return err
		}

		m := MessageMeta{UID: uid, Flags: append([]string(nil), flags...), ModSeq: modseq, IntDate: intdate, Size: len(content)}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := top.Bucket(bucketMsgs).Put(encodeU32(uid), raw); err != nil {
			return err
		}
		return writeFileAtomic(s.bodyPath(mailbox, uid), content)
	})
	if err != nil {
		return 0, err
	}
	return uid, nil
}

// ImportMessage stores content at a caller-specified uid, used when the
// upstream server has already assigned one (APPENDUID reconciliation).
// uidnext only advances if uid falls at or beyond the current
// frontier, so re-importing an already-synced uid is harmless.
func (s *Store) ImportMessage(mailbox string, uid uint32, content []byte, flags []string, intdate time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		meta := top.Bucket(bucketMeta)
		modseq := decodeU64(meta.Get(keyHighestModSeq)) + 1
		if err := meta.Put(keyHighestModSeq, encodeU64(modseq)); err != nil {
			return err
		}
		next := decodeU32(meta.Get(keyUidNext))
		if uid >= next {
			if err := meta.Put(keyUidNext, encodeU32(uid+1)); err != nil {
				return err
			}
		}
		m := MessageMeta{UID: uid, Flags: append([]string(nil), flags...), ModSeq: modseq, IntDate: intdate, Size: len(content)}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := top.Bucket(bucketMsgs).Put(encodeU32(uid), raw); err != nil {
			return err
		}
		return writeFileAtomic(s.bodyPath(mailbox, uid), content)
	})
}

// ReconcileUidValidity adopts the server's UIDVALIDITY for mailbox. A
// value that differs from what the cache already has means the server
// has reset the mailbox (RFC 3501 §2.3.1.1): every UID the cache holds
// may now refer to a different message or nothing at all, so the
// cached messages are discarded and resync starts from empty under the
// new UIDVALIDITY. A matching value is a no-op.
func (s *Store) ReconcileUidValidity(mailbox string, uidvalidity uint32) error {
	current, err := s.UidValidity(mailbox)
	if err != nil {
		return err
	}
	if current == uidvalidity {
		return nil
	}
	if err := removeAll(filepath.Join(s.root, sanitize(mailbox))); err != nil {
		return err
	}
	if err := mkdirAll(filepath.Join(s.root, sanitize(mailbox))); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		if err := top.DeleteBucket(bucketMsgs); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if _, err := top.CreateBucketIfNotExists(bucketMsgs); err != nil {
			return err
		}
		meta := top.Bucket(bucketMeta)
		if err := meta.Put(keyUidValidity, encodeU32(uidvalidity)); err != nil {
			return err
		}
		if err := meta.Put(keyUidNext, encodeU32(1)); err != nil {
			return err
		}
		return meta.Put(keyHighestModSeq, encodeU64(0))
	})
}

// AdvanceUidNext raises mailbox's cached UIDNEXT to uidnext if the
// cache's notion is behind, adopting the server's authoritative value
// at SELECT time. Never moves UIDNEXT backwards.
func (s *Store) AdvanceUidNext(mailbox string, uidnext uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		meta := top.Bucket(bucketMeta)
		if decodeU32(meta.Get(keyUidNext)) >= uidnext {
			return nil
		}
		return meta.Put(keyUidNext, encodeU32(uidnext))
	})
}

// UidValidity returns just the mailbox's uidvalidity, used by the
// APPEND intercept to check whether a server-reported APPENDUID still
// matches the cache's notion of the mailbox (spec.md §4.7 step 5).
func (s *Store) UidValidity(mailbox string) (uint32, error) {
	attrs, err := s.Attrs(mailbox)
	if err != nil {
		return 0, err
	}
	return attrs.UIDValidity, nil
}

// GetMessage returns a message's metadata and body.
func (s *Store) GetMessage(mailbox string, uid uint32) (MessageMeta, []byte, error) {
	var m MessageMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		raw := top.Bucket(bucketMsgs).Get(encodeU32(uid))
		if raw == nil {
			return errors.Errorf("no such uid %d in %q", uid, mailbox)
		}
		return json.Unmarshal(raw, &m)
	})
	if err != nil {
		return MessageMeta{}, nil, err
	}
	content, err := readFile(s.bodyPath(mailbox, uid))
	if err != nil {
		return MessageMeta{}, nil, err
	}
	return m, content, nil
}

// ListMessages returns every message's metadata in UID order.
func (s *Store) ListMessages(mailbox string) ([]MessageMeta, error) {
	var out []MessageMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		c := top.Bucket(bucketMsgs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m MessageMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// SetFlags overwrites uid's flags and bumps its MODSEQ and the
// mailbox's HighestModSeq.
func (s *Store) SetFlags(mailbox string, uid uint32, flags []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		meta := top.Bucket(bucketMeta)
		modseq := decodeU64(meta.Get(keyHighestModSeq)) + 1
		if err := meta.Put(keyHighestModSeq, encodeU64(modseq)); err != nil {
			return err
		}
		msgs := top.Bucket(bucketMsgs)
		raw := msgs.Get(encodeU32(uid))
		if raw == nil {
			return errors.Errorf("no such uid %d in %q", uid, mailbox)
		}
		var m MessageMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		m.Flags = append([]string(nil), flags...)
		m.ModSeq = modseq
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return msgs.Put(encodeU32(uid), out)
	})
}

// ExpungeMessage removes uid from mailbox entirely.
func (s *Store) ExpungeMessage(mailbox string, uid uint32) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(mailbox))
		if top == nil {
			return errors.Errorf("unknown mailbox %q", mailbox)
		}
		return top.Bucket(bucketMsgs).Delete(encodeU32(uid))
	})
	if err != nil {
		return err
	}
	return removeFile(s.bodyPath(mailbox, uid))
}

// DeleteMailbox drops mailbox's bucket and on-disk directory entirely.
func (s *Store) DeleteMailbox(mailbox string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMailboxes).DeleteBucket([]byte(mailbox))
	})
	if err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	return removeAll(filepath.Join(s.root, sanitize(mailbox)))
}

// RenameMailbox moves src's bucket contents and directory to dst.
func (s *Store) RenameMailbox(src, dst string) error {
	msgs, err := s.ListMessages(src)
	if err != nil {
		return err
	}
	attrs, err := s.Attrs(src)
	if err != nil {
		return err
	}
	if err := s.EnsureMailbox(dst); err != nil {
		return err
	}
	for _, m := range msgs {
		_, content, err := s.GetMessage(src, m.UID)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(s.bodyPath(dst, m.UID), content); err != nil {
			return err
		}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketMailboxes).Bucket([]byte(dst))
		meta := top.Bucket(bucketMeta)
		if err := meta.Put(keyUidValidity, encodeU32(attrs.UIDValidity)); err != nil {
			return err
		}
		if err := meta.Put(keyUidNext, encodeU32(attrs.UIDNext)); err != nil {
			return err
		}
		dstMsgs := top.Bucket(bucketMsgs)
		for _, m := range msgs {
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := dstMsgs.Put(encodeU32(m.UID), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.DeleteMailbox(src)
}
