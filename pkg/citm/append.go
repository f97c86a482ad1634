package citm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/wire"
)

// handleAppend implements the APPEND intercept (spec.md §4.7): write
// the plaintext to a temp file, hold the mailbox against a concurrent
// freeze, encrypt for every known key, relay upstream, then reconcile
// the server-assigned UID into the cache if the mailbox's
// uidvalidity still matches what the cache expects.
func (ch *connHandler) handleAppend(cmd wire.Command) error {
	mailbox, flags, intdate, hasDate := parseAppendArgs(cmd.Args)
	if mailbox == "" || cmd.Literal == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: APPEND"))
	}
	if !hasDate {
		intdate = time.Now()
	}

	_, tmpPath, err := ch.sess.dm.WriteTmp(cmd.Literal)
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "local append failed"))
	}

	hold := ch.sess.dm.HoldNew(mailbox)
	defer hold.HoldFree()

	ciphertext, err := keydir.Encrypt(cmd.Literal, ch.sess.kd.AllKeys())
	if err != nil {
		_ = ch.sess.dm.RemoveTmp(tmpPath)
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "encryption failed"))
	}

	tag := ch.tagger.Next()
	flagsPart := ""
	if len(flags) > 0 {
		flagsPart = "(" + strings.Join(flags, " ") + ") "
	}
	appendCmd := fmt.Sprintf("%s APPEND %s %s\"%s\" {%d}\r\n", tag, quote(mailbox), flagsPart,
		intdate.Format("02-Jan-2006 15:04:05 -0700"), len(ciphertext))
	if err := ch.client.WriteLine(appendCmd); err != nil {
		return err
	}

	resp, err := ch.awaitContinuationThenTagged(tag, ciphertext)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		_ = ch.sess.dm.RemoveTmp(tmpPath)
		return ch.replyTagged(cmd.Tag, resp)
	}

	uidvld, uid, ok := parseAppendUID(resp.Code)
	if !ok {
		// spec.md §4.7 step 5: an OK reply to APPEND without an
		// APPENDUID response code is a protocol error, not a case to
		// silently skip the cache import for.
		_ = ch.sess.dm.RemoveTmp(tmpPath)
		return cerrs.Wrap(fmt.Errorf("upstream APPEND OK reply carried no APPENDUID code"), cerrs.Response)
	}

	cacheUidvld, cerr := ch.sess.dm.UidValidity(mailbox)
	if cerr != nil {
		if _, operr := ch.sess.dm.OpenUp(mailbox); operr == nil {
			ch.sess.dm.CloseUp(mailbox)
			cacheUidvld, _ = ch.sess.dm.UidValidity(mailbox)
		}
	}
	if cacheUidvld == uidvld {
		if ierr := ch.sess.dm.ImportAppend(mailbox, uid, cmd.Literal, flags, intdate); ierr != nil {
			log.WithError(ierr).Warn("failed to import appended message into cache")
		}
	}
	_ = ch.sess.dm.RemoveTmp(tmpPath)

	return ch.replyTagged(cmd.Tag, resp)
}

// awaitContinuationThenTagged sends literal once the server's "+"
// continuation arrives, then waits for tag's tagged reply, per
// spec.md §4.7 step 4 ("the proxy does not use LITERAL+ toward the
// real server, since it must hold the plaintext until the ciphertext's
// exact length is known").
func (ch *connHandler) awaitContinuationThenTagged(tag wire.Tag, literal []byte) (wire.Response, error) {
	for {
		resp, _, err := ch.client.ReadResponse()
		if err != nil {
			return wire.Response{}, err
		}
		if resp.Type == wire.RespContinuation {
			if err := ch.client.WriteLine(string(literal) + "\r\n"); err != nil {
				return wire.Response{}, err
			}
			continue
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			return resp, nil
		}
	}
}

func parseAppendUID(code *wire.RespCode) (uidvld, uid uint32, ok bool) {
	if code == nil || code.Name != wire.CodeAppendUid {
		return 0, 0, false
	}
	fields := strings.Fields(code.Args)
	if len(fields) != 2 {
		return 0, 0, false
	}
	v1, err1 := strconv.ParseUint(fields[0], 10, 32)
	v2, err2 := strconv.ParseUint(fields[1], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(v1), uint32(v2), true
}

// parseAppendArgs splits APPEND's "<mailbox> [(flags)] [date] {n}"
// argument tail, trimming the literal declaration off first since
// Command.Literal already carries its bytes.
func parseAppendArgs(args string) (mailbox string, flags []string, intdate time.Time, hasDate bool) {
	trimmed := args
	if idx := strings.LastIndexByte(trimmed, '{'); idx >= 0 {
		trimmed = strings.TrimRight(trimmed[:idx], " ")
	}
	tokens := tokenizeAppendArgs(trimmed)
	if len(tokens) == 0 {
		return "", nil, time.Time{}, false
	}
	mailbox = unquote(tokens[0])
	for _, t := range tokens[1:] {
		switch {
		case strings.HasPrefix(t, "("):
			inner := strings.TrimSuffix(strings.TrimPrefix(t, "("), ")")
			if inner != "" {
				flags = strings.Fields(inner)
			}
		case strings.HasPrefix(t, `"`):
			dateStr := strings.Trim(t, `"`)
			if d, err := time.Parse("02-Jan-2006 15:04:05 -0700", dateStr); err == nil {
				intdate = d
				hasDate = true
			}
		}
	}
	return mailbox, flags, intdate, hasDate
}
