package citm

import (
	"testing"

	r "github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/wire"
)

func TestParseAppendArgsMailboxOnly(t *testing.T) {
	mailbox, flags, _, hasDate := parseAppendArgs(`INBOX {42}`)
	r.Equal(t, "INBOX", mailbox)
	r.Empty(t, flags)
	r.False(t, hasDate)
}

func TestParseAppendArgsFlagsAndDate(t *testing.T) {
	mailbox, flags, intdate, hasDate := parseAppendArgs(
		`"My Box" (\Seen \Flagged) "01-Jan-2024 12:34:56 +0000" {100}`)
	r.Equal(t, "My Box", mailbox)
	r.Equal(t, []string{`\Seen`, `\Flagged`}, flags)
	r.True(t, hasDate)
	r.Equal(t, 2024, intdate.Year())
}

func TestParseAppendUIDRequiresAppendUidCode(t *testing.T) {
	uidvld, uid, ok := parseAppendUID(&wire.RespCode{Name: wire.CodeAppendUid, Args: "1234 5"})
	r.True(t, ok)
	r.EqualValues(t, 1234, uidvld)
	r.EqualValues(t, 5, uid)
}

func TestParseAppendUIDRejectsOtherCodes(t *testing.T) {
	_, _, ok := parseAppendUID(&wire.RespCode{Name: wire.CodeReadWrite})
	r.False(t, ok)

	_, _, ok = parseAppendUID(nil)
	r.False(t, ok)
}
