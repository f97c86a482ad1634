package citm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ljanyst/citm/pkg/maildir"
	"github.com/ljanyst/citm/pkg/wire"
)

// handleSelect implements SELECT/EXAMINE (spec.md §4.6 item 3): relay
// upstream first, then open the cache's up/dn drivers only on success,
// so a rejected mailbox never creates a spurious cache entry.
func (ch *connHandler) handleSelect(cmd wire.Command, examine bool) error {
	args := splitIMAPArgs(cmd.Args)
	if len(args) != 1 {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "parameterized SELECT/EXAMINE not supported"))
	}
	mailbox := unquote(args[0])

	if err := ch.disconnectSelection(); err != nil {
		return err
	}

	verb := "SELECT"
	if examine {
		verb = "EXAMINE"
	}
	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s %s %s\r\n", tag, verb, quote(mailbox))); err != nil {
		return err
	}
	resp, untagged, err := ch.awaitTaggedCollect(tag)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		return ch.replyTagged(cmd.Tag, resp)
	}
	uidvalidity, uidnext := parseSelectCodes(untagged)

	up, err := ch.sess.dm.OpenUp(mailbox)
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "local cache open failed"))
	}
	if err := ch.sess.dm.ReconcileSelect(mailbox, uidvalidity, uidnext); err != nil {
		ch.sess.dm.CloseUp(mailbox)
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "local cache reconcile failed"))
	}
	dn, err := ch.sess.dm.OpenDn(mailbox, examine)
	if err != nil {
		ch.sess.dm.CloseUp(mailbox)
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "local cache open failed"))
	}
	ch.up = up
	ch.dn = dn
	ch.selected = mailbox
	ch.examine = examine

	attrs, err := dn.Attrs()
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "local cache attrs unavailable"))
	}
	if err := ch.emitSelectResponses(attrs); err != nil {
		return err
	}

	if err := ch.sess.kd.Watcher.MailboxSynced(mailbox); err != nil {
		log.WithError(err).Warn("failed to mark mailbox synced")
	}

	code := &wire.RespCode{Name: wire.CodeReadWrite}
	text := "SELECT completed"
	if examine {
		code = &wire.RespCode{Name: wire.CodeReadOnly}
		text = "EXAMINE completed"
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, code, text))
}

// parseSelectCodes picks the UIDVALIDITY and UIDNEXT values out of
// SELECT/EXAMINE's untagged responses ("* OK [UIDVALIDITY n] ..." and
// "* OK [UIDNEXT n] ..."), which ch.client.ReadResponse leaves folded
// into the untagged OK's Args rather than a parsed Code, since only
// tagged responses get code parsing there.
func parseSelectCodes(untagged []wire.Response) (uidvalidity, uidnext uint32) {
	for _, resp := range untagged {
		if resp.Type != wire.RespUntagged || resp.Verb != "OK" {
			continue
		}
		args := strings.TrimSpace(resp.Args)
		if !strings.HasPrefix(args, "[") {
			continue
		}
		end := strings.Index(args, "]")
		if end < 0 {
			continue
		}
		fields := strings.Fields(args[1:end])
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "UIDVALIDITY":
			uidvalidity = uint32(n)
		case "UIDNEXT":
			uidnext = uint32(n)
		}
	}
	return uidvalidity, uidnext
}

func (ch *connHandler) emitSelectResponses(attrs maildir.MailboxAttrs) error {
	lines := []string{
		fmt.Sprintf("* %d EXISTS\r\n", attrs.Messages),
		"* 0 RECENT\r\n",
		"* FLAGS (\\Seen \\Answered \\Flagged \\Deleted \\Draft)\r\n",
		fmt.Sprintf("* OK [UIDVALIDITY %d] uids valid\r\n", attrs.UIDValidity),
		fmt.Sprintf("* OK [UIDNEXT %d] next uid\r\n", attrs.UIDNext),
	}
	for _, l := range lines {
		if err := ch.server.WriteLine(l); err != nil {
			return err
		}
	}
	return nil
}

// handleClose implements CLOSE (spec.md §4.6 "Close-like"): silently
// expunge \Deleted messages, then disconnect the selection, per
// RFC 3501's "no untagged EXPUNGE is sent" rule for CLOSE.
func (ch *connHandler) handleClose(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	if !ch.examine {
		if err := ch.expungeDeletedSilently(); err != nil {
			return err
		}
	}
	if err := ch.disconnectSelection(); err != nil {
		return err
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "get offa my lawn!"))
}

// disconnectSelection tears down any active selection, unselecting
// upstream before releasing the cache drivers, per spec.md §5's
// disconnect protocol ("dn_t.disconnect then dirmgr.close_dn; up_t
// unselect then dirmgr.close_up").
func (ch *connHandler) disconnectSelection() error {
	if ch.selected == "" {
		return nil
	}
	mailbox := ch.selected

	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s UNSELECT\r\n", tag)); err != nil {
		return err
	}
	if _, err := ch.awaitTagged(tag); err != nil {
		return err
	}

	if ch.dn != nil {
		ch.sess.dm.CloseDn(mailbox)
		ch.dn = nil
	}
	if ch.up != nil {
		ch.sess.dm.CloseUp(mailbox)
		ch.up = nil
	}
	ch.selected = ""
	ch.examine = false
	return nil
}
