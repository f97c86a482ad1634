package citm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/maildir"
	"github.com/ljanyst/citm/pkg/wire"
)

// handleUID dispatches the UID-prefixed forms of FETCH/STORE/COPY/
// EXPUNGE (spec.md §4.6 "Mailbox ops"), translating the command so the
// UID and plain forms share one handler wherever the cache's own
// UID-only addressing makes the distinction moot.
func (ch *connHandler) handleUID(cmd wire.Command) error {
	fields := strings.SplitN(strings.TrimSpace(cmd.Args), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: UID"))
	}
	sub := strings.ToUpper(fields[0])
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}
	inner := wire.Command{Tag: cmd.Tag, Verb: sub, Args: rest}

	switch sub {
	case "FETCH":
		return ch.handleFetch(inner)
	case "STORE":
		return ch.handleStore(inner)
	case "COPY":
		return ch.relayPassthru(wire.Command{Tag: cmd.Tag, Verb: "COPY", Args: rest})
	case "EXPUNGE":
		return ch.handleUIDExpunge(inner)
	default:
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "unsupported UID subcommand"))
	}
}

// handleFetch answers a FETCH out of the cache, fetching-through to the
// upstream connection on demand for any UID the cache hasn't seen yet
// (spec.md §3: "the proxy decrypts them on FETCH").
func (ch *connHandler) handleFetch(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	fields := strings.Fields(cmd.Args)
	if len(fields) == 0 {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: FETCH"))
	}
	uids, err := parseSeqSet(fields[0])
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "bad sequence set"))
	}

	for _, uid := range uids {
		meta, content, ferr := ch.dn.Fetch(uid)
		if ferr != nil {
			fresh, flags, intdate, uerr := ch.fetchFromUpstream(uid)
			if uerr != nil {
				return uerr
			}
			if _, serr := ch.up.StoreFetched(ch.ctx, fresh, flags, intdate); serr != nil {
				return serr
			}
			meta, content, ferr = ch.dn.Fetch(uid)
			if ferr != nil {
				continue // expunged upstream between our list and fetch
			}
		}
		if err := ch.server.WriteLine(formatFetchResp(uid, meta, content)); err != nil {
			return err
		}
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "FETCH completed"))
}

// fetchFromUpstream issues a one-shot UID FETCH on the pair's own
// upstream connection and reads back its single untagged FETCH
// response (plus any trailing literal).
func (ch *connHandler) fetchFromUpstream(uid uint32) ([]byte, []string, time.Time, error) {
	tag := ch.tagger.Next()
	cmd := fmt.Sprintf("%s UID FETCH %d (FLAGS INTERNALDATE BODY.PEEK[])\r\n", tag, uid)
	if err := ch.client.WriteLine(cmd); err != nil {
		return nil, nil, time.Time{}, err
	}

	var flags []string
	var intdate time.Time
	var content []byte
	for {
		resp, _, err := ch.client.ReadResponse()
		if err != nil {
			return nil, nil, time.Time{}, err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			if resp.Status != wire.OK {
				return nil, nil, time.Time{}, cerrs.Wrap(fmt.Errorf("upstream fetch failed: %s", resp.Text), cerrs.Response)
			}
			break
		}
		if resp.Type == wire.RespUntagged && resp.Verb == "FETCH" {
			flags = strings.Fields(parseParenField(resp.Args, "FLAGS"))
			if d, ok := parseInternalDate(resp.Args); ok {
				intdate = d
			}
			if n, _, ok := wire.ParseLiteralDecl(resp.Args); ok {
				lit, lerr := ch.client.ReadLiteral(n)
				if lerr != nil {
					return nil, nil, time.Time{}, lerr
				}
				content = lit
			}
		}
	}
	if intdate.IsZero() {
		intdate = time.Now()
	}
	return content, flags, intdate, nil
}

func formatFetchResp(uid uint32, meta maildir.MessageMeta, content []byte) string {
	flags := strings.Join(meta.Flags, " ")
	date := meta.IntDate.Format("02-Jan-2006 15:04:05 -0700")
	return fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s) INTERNALDATE \"%s\" BODY[] {%d}\r\n%s)\r\n", uid, uid, flags, date, len(content), content)
}

// handleStore applies a STORE/UID STORE's flag update both to the
// cache and to the upstream mailbox, mirroring flags the way
// UpDriver.SetFlags documents for the reverse direction.
func (ch *connHandler) handleStore(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	fields := splitIMAPArgs(cmd.Args)
	if len(fields) < 3 {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: STORE"))
	}
	uids, err := parseSeqSet(fields[0])
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "bad sequence set"))
	}

	rawMode := strings.ToUpper(fields[1])
	silent := strings.HasSuffix(rawMode, ".SILENT")
	mode := strings.TrimSuffix(rawMode, ".SILENT")
	newFlags := strings.Fields(strings.Trim(strings.Join(fields[2:], " "), "()"))

	tag := ch.tagger.Next()
	upstreamCmd := fmt.Sprintf("%s UID STORE %s %s (%s)\r\n", tag, fields[0], fields[1], strings.Join(newFlags, " "))
	if err := ch.client.WriteLine(upstreamCmd); err != nil {
		return err
	}
	resp, err := ch.awaitTagged(tag)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		return ch.replyTagged(cmd.Tag, resp)
	}

	for _, uid := range uids {
		meta, _, ferr := ch.dn.Fetch(uid)
		if ferr != nil {
			continue
		}
		var result []string
		switch mode {
		case "FLAGS":
			result = newFlags
		case "+FLAGS":
			result = unionFlags(meta.Flags, newFlags)
		case "-FLAGS":
			result = subtractFlags(meta.Flags, newFlags)
		default:
			return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "unsupported STORE mode"))
		}
		if err := ch.dn.SetFlags(uid, result); err != nil {
			return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "store failed"))
		}
		if !silent {
			line := fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s))\r\n", uid, uid, strings.Join(result, " "))
			if err := ch.server.WriteLine(line); err != nil {
				return err
			}
		}
	}
	return ch.replyTagged(cmd.Tag, resp)
}

// expungeOne expunges uid upstream (UID EXPUNGE) then mirrors the
// removal into the cache, only if uid still carries \Deleted.
func (ch *connHandler) expungeOne(uid uint32, emit bool) error {
	meta, _, err := ch.dn.Fetch(uid)
	if err != nil {
		return nil
	}
	if !hasFlagLocal(meta.Flags, `\Deleted`) {
		return nil
	}
	tag := ch.tagger.Next()
	if err := ch.client.WriteLine(fmt.Sprintf("%s UID EXPUNGE %d\r\n", tag, uid)); err != nil {
		return err
	}
	resp, err := ch.awaitTagged(tag)
	if err != nil {
		return err
	}
	if resp.Status != wire.OK {
		return nil
	}
	if err := ch.dn.Expunge(uid); err != nil {
		return err
	}
	if emit {
		return ch.server.WriteLine(fmt.Sprintf("* %d EXPUNGE\r\n", uid))
	}
	return nil
}

func (ch *connHandler) handleExpunge(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	if ch.examine {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "mailbox is read-only"))
	}
	msgs, err := ch.dn.List()
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "expunge failed"))
	}
	for _, m := range msgs {
		if err := ch.expungeOne(m.UID, true); err != nil {
			return err
		}
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "EXPUNGE completed"))
}

func (ch *connHandler) handleUIDExpunge(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	uids, err := parseSeqSet(cmd.Args)
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "bad sequence set"))
	}
	for _, uid := range uids {
		if err := ch.expungeOne(uid, true); err != nil {
			return err
		}
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "UID EXPUNGE completed"))
}

func (ch *connHandler) expungeDeletedSilently() error {
	msgs, err := ch.dn.List()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := ch.expungeOne(m.UID, false); err != nil {
			return err
		}
	}
	return nil
}

// handleSearch serves ALL/UNSEEN/DELETED out of the cache. Full IMAP
// search-key grammar is out of scope here; anything else matches
// everything rather than rejecting the command outright.
func (ch *connHandler) handleSearch(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	msgs, err := ch.dn.List()
	if err != nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "search failed"))
	}
	criterion := strings.ToUpper(strings.TrimSpace(cmd.Args))
	var uids []string
	for _, m := range msgs {
		match := true
		switch criterion {
		case "UNSEEN":
			match = !hasFlagLocal(m.Flags, `\Seen`)
		case "DELETED":
			match = hasFlagLocal(m.Flags, `\Deleted`)
		}
		if match {
			uids = append(uids, strconv.FormatUint(uint64(m.UID), 10))
		}
	}
	if err := ch.server.WriteLine("* SEARCH " + strings.Join(uids, " ") + "\r\n"); err != nil {
		return err
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "SEARCH completed"))
}

// handleIdle implements IDLE/DONE (spec.md §4.6 item 6): a continuation
// request, then a block for the bare "DONE" line rather than a tagged
// command.
func (ch *connHandler) handleIdle(cmd wire.Command) error {
	if ch.dn == nil {
		return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "no mailbox selected"))
	}
	if err := ch.server.WriteLine("+ idling\r\n"); err != nil {
		return err
	}
	for {
		line, err := ch.server.ReadLine()
		if err != nil {
			return err
		}
		if strings.TrimRight(strings.ToUpper(line), "\r\n") == "DONE" {
			break
		}
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "IDLE terminated"))
}

func parseParenField(s, key string) string {
	idx := strings.Index(s, key+" (")
	if idx < 0 {
		return ""
	}
	start := idx + len(key) + 2
	end := strings.IndexByte(s[start:], ')')
	if end < 0 {
		return ""
	}
	return s[start : start+end]
}

func parseInternalDate(s string) (time.Time, bool) {
	idx := strings.Index(s, `INTERNALDATE "`)
	if idx < 0 {
		return time.Time{}, false
	}
	start := idx + len(`INTERNALDATE "`)
	end := strings.IndexByte(s[start:], '"')
	if end < 0 {
		return time.Time{}, false
	}
	d, err := time.Parse("02-Jan-2006 15:04:05 -0700", s[start:start+end])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
