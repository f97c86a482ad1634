package citm

import (
	"fmt"
	"strings"

	"github.com/ljanyst/citm/pkg/maildir"
	"github.com/ljanyst/citm/pkg/wire"
)

func (ch *connHandler) handlePassthru(cmd wire.Command) error {
	switch cmd.Verb {
	case "DELETE":
		return ch.handleDelete(cmd)
	case "RENAME":
		return ch.handleRename(cmd)
	case "STATUS":
		return ch.handleStatus(cmd)
	default:
		return ch.relayPassthru(cmd)
	}
}

// relayPassthru forwards cmd upstream under a fresh sc<N> tag and
// relays back its untagged LIST/LSUB lines and its tagged reply,
// stripping codes the local client never asked for (spec.md §4.6
// item 1). Other untagged responses are read and dropped.
func (ch *connHandler) relayPassthru(cmd wire.Command) error {
	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s %s %s\r\n", tag, cmd.Verb, cmd.Args)); err != nil {
		return err
	}
	for {
		resp, raw, err := ch.client.ReadResponse()
		if err != nil {
			return err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			return ch.replyTagged(cmd.Tag, resp)
		}
		if resp.Type == wire.RespUntagged && (resp.Verb == "LIST" || resp.Verb == "LSUB") {
			if err := ch.server.WriteLine(raw); err != nil {
				return err
			}
		}
	}
}

// handleDelete implements the DELETE hook (spec.md §4.6 item 2): the
// target must not be the currently-selected mailbox, and the mailbox
// must be frozen for the duration of the upstream round trip before
// the cache entry is dropped.
func (ch *connHandler) handleDelete(cmd wire.Command) error {
	args := splitIMAPArgs(cmd.Args)
	if len(args) != 1 {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: DELETE"))
	}
	mailbox := unquote(args[0])
	if mailbox == ch.selected {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "cannot delete the selected mailbox"))
	}

	freeze := ch.sess.dm.FreezeNew(mailbox)
	defer freeze.FreezeFree()

	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s DELETE %s\r\n", tag, quote(mailbox))); err != nil {
		return err
	}
	resp, err := ch.awaitTagged(tag)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		return ch.replyTagged(cmd.Tag, resp)
	}
	if err := ch.sess.dm.Delete(freeze); err != nil {
		log.WithError(err).Warn("failed to drop deleted mailbox from cache")
	}
	return ch.replyTagged(cmd.Tag, resp)
}

// handleRename implements the RENAME hook (spec.md §4.6 item 2): both
// source and destination must be frozen before the upstream command is
// issued, per spec.md §8's invariant covering every affected mailbox.
func (ch *connHandler) handleRename(cmd wire.Command) error {
	args := splitIMAPArgs(cmd.Args)
	if len(args) != 2 {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: RENAME"))
	}
	src, dst := unquote(args[0]), unquote(args[1])

	srcFreeze := ch.sess.dm.FreezeNew(src)
	defer srcFreeze.FreezeFree()
	if dst != src {
		dstFreeze := ch.sess.dm.FreezeNew(dst)
		defer dstFreeze.FreezeFree()
	}

	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s RENAME %s %s\r\n", tag, quote(src), quote(dst))); err != nil {
		return err
	}
	resp, err := ch.awaitTagged(tag)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		return ch.replyTagged(cmd.Tag, resp)
	}
	if ch.selected == src {
		ch.selected = dst
	}
	if err := ch.sess.dm.Rename(srcFreeze, dst); err != nil {
		log.WithError(err).Warn("failed to rename mailbox in cache")
	}
	return ch.replyTagged(cmd.Tag, resp)
}

// handleStatus implements the STATUS rewrite (spec.md §4.6 item 2 /
// §8): the upstream reply is discarded, only used to confirm the
// mailbox exists; the attributes reported downstream always come from
// the cache's own view.
func (ch *connHandler) handleStatus(cmd wire.Command) error {
	args := splitIMAPArgs(cmd.Args)
	if len(args) < 2 {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: STATUS"))
	}
	mailbox := unquote(args[0])
	items := strings.Fields(strings.Trim(strings.Join(args[1:], " "), "()"))

	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s STATUS %s (%s)\r\n", tag, quote(mailbox), strings.Join(items, " "))); err != nil {
		return err
	}
	resp, err := ch.awaitTagged(tag)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		return ch.replyTagged(cmd.Tag, resp)
	}

	attrs, err := ch.sess.dm.ProcessStatusResp(mailbox)
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "local cache has no view of that mailbox"))
	}
	if err := ch.server.WriteLine(formatStatusResp(mailbox, items, attrs)); err != nil {
		return err
	}
	return ch.replyTagged(cmd.Tag, resp)
}

func formatStatusResp(mailbox string, items []string, attrs maildir.MailboxAttrs) string {
	var parts []string
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", attrs.Messages))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", attrs.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", attrs.UIDValidity))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", attrs.Unseen))
		case "RECENT":
			parts = append(parts, "RECENT 0")
		}
	}
	return fmt.Sprintf("* STATUS %s (%s)\r\n", quote(mailbox), strings.Join(parts, " "))
}
