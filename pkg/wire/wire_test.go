package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommandBasic(t *testing.T) {
	cmd, err := ParseCommand("A1 LOGIN foo bar\r\n")
	require.NoError(t, err)
	require.Equal(t, Tag("A1"), cmd.Tag)
	require.Equal(t, "LOGIN", cmd.Verb)
	require.Equal(t, "foo bar", cmd.Args)
}

func TestParseCommandSyntaxError(t *testing.T) {
	_, err := ParseCommand("BUG\r\n")
	require.Error(t, err)
}

// TestParseCommandUnknownVerb reproduces spec.md §8 scenario 1's
// "B BUG" input: a well-formed tag plus an unrecognized verb must be a
// syntax error (and carry the text spec.md §8 names exactly), not a
// generic "command not supported" reply.
func TestParseCommandUnknownVerb(t *testing.T) {
	cmd, err := ParseCommand("B BUG\r\n")
	require.Error(t, err)
	require.True(t, IsSyntaxError(err))
	require.Equal(t, Tag("B"), cmd.Tag)
	require.Equal(t, "syntax error at input: BUG", err.Error())
}

func TestReadCommandWithLiteral(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("A1 LOGIN a {1}\r\nz\r\n"))
	cmd, err := ReadCommand(r, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, "LOGIN", cmd.Verb)
	require.Equal(t, []byte("z"), cmd.Literal)
	require.False(t, cmd.LiteralPlus)
}

func TestReadCommandWithNonSyncLiteral(t *testing.T) {
	body := "hello world!"
	r := bufio.NewReader(strings.NewReader("A1 APPEND M {12+}\r\n" + body + "\r\n"))
	cmd, err := ReadCommand(r, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, "APPEND", cmd.Verb)
	require.Equal(t, []byte(body), cmd.Literal)
	require.True(t, cmd.LiteralPlus)
}

func TestStripUnsupported(t *testing.T) {
	c := &RespCode{Name: CodeAppendUid, Args: "7 42"}
	require.Nil(t, StripUnsupported(c))

	c2 := &RespCode{Name: CodeAlert}
	require.Equal(t, c2, StripUnsupported(c2))
}

func TestNextTag(t *testing.T) {
	tagger := NewTagger("sc")
	require.Equal(t, Tag("sc1"), tagger.Next())
	require.Equal(t, Tag("sc2"), tagger.Next())
	require.True(t, tagger.HasPrefix("sc2"))
	require.False(t, tagger.HasPrefix("A1"))
}
