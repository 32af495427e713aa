package atsyntax_test

import (
	"testing"

	"github.com/daedaluz/gatmux/atsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicFeedLine(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewBasic()
	consumed, line, result := s.Feed([]byte("OK\r\n"))
	require.Equal(t, atsyntax.ResultLine, result)
	assert.Equal(t, "OK", line)
	assert.Equal(t, 3, consumed)
}

func TestBasicFeedUnsureUntilTerminator(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewBasic()
	consumed, line, result := s.Feed([]byte("+CSQ: 20"))
	assert.Equal(t, atsyntax.ResultUnsure, result)
	assert.Equal(t, 0, consumed)
	assert.Equal(t, "", line)
}

func TestBasicFeedStripsLeadingTerminator(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewBasic()
	consumed, line, result := s.Feed([]byte("\r\nOK\r\n"))
	require.Equal(t, atsyntax.ResultLine, result)
	assert.Equal(t, "OK", line)
	assert.Equal(t, 5, consumed)
}

func TestBasicFeedQuotedCRLFIgnored(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewBasic()
	data := []byte("+CMGR: \"2026\r\n07\"\r\n")
	consumed, line, result := s.Feed(data)
	require.Equal(t, atsyntax.ResultLine, result)
	assert.Equal(t, "+CMGR: \"2026\r\n07\"", line)
	assert.Equal(t, len(data)-1, consumed)
}

func TestBasicFeedHonorsHint(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewBasic()
	s.SetHint(atsyntax.HintPDU)
	_, _, result := s.Feed([]byte("0891000000000000F1\r\n"))
	assert.Equal(t, atsyntax.ResultPDU, result)

	s.SetHint(atsyntax.HintMultiline)
	_, _, result = s.Feed([]byte("+CLCC: 1,0\r\n"))
	assert.Equal(t, atsyntax.ResultMultiline, result)
}

func TestBasicFeedPrompt(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewBasic()
	consumed, line, result := s.Feed([]byte("> "))
	require.Equal(t, atsyntax.ResultPrompt, result)
	assert.Equal(t, 2, consumed)
	assert.Equal(t, "> ", line)
}

func TestGSM0710FeedLine(t *testing.T) {
	t.Parallel()
	s := atsyntax.NewGSM0710()
	consumed, line, result := s.Feed([]byte("RING\r\n"))
	require.Equal(t, atsyntax.ResultLine, result)
	assert.Equal(t, "RING", line)
	assert.Equal(t, 5, consumed)
}
