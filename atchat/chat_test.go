package atchat_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/daedaluz/gatmux/atchat"
	"github.com/daedaluz/gatmux/atsyntax"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeRWC struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeRWC) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

func newLinkedPair() (*pipeRWC, *pipeRWC) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeRWC{r: r1, w: w2}, &pipeRWC{r: r2, w: w1}
}

// fakeModem reads whole lines off one side of the pipe and hands them to a
// caller-supplied responder, which writes back raw bytes (including
// terminators) the way a real modem would.
type fakeModem struct {
	rwc *pipeRWC
	mu  sync.Mutex
}

func newFakeModem(rwc *pipeRWC, respond func(line string) string) *fakeModem {
	m := &fakeModem{rwc: rwc}
	go func() {
		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := rwc.Read(buf)
			if err != nil {
				return
			}
			pending = append(pending, buf[:n]...)
			for {
				idx := indexByte(pending, '\r')
				if idx < 0 {
					break
				}
				line := string(pending[:idx])
				pending = pending[idx+1:]
				if line == "" {
					continue
				}
				if resp := respond(line); resp != "" {
					_, _ = rwc.Write([]byte(resp))
				}
			}
		}
	}()
	return m
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func newChatPair(t *testing.T, respond func(line string) string) (*atchat.Chat, *pipeRWC) {
	t.Helper()
	local, remote := newLinkedPair()
	ep := ioendpoint.New(local, nil)
	t.Cleanup(func() { _ = ep.Close() })
	newFakeModem(remote, respond)
	c := atchat.New(ep, atsyntax.NewBasic(), nil, nil)
	return c, remote
}

func waitResult(t *testing.T, timeout time.Duration) (chan struct {
	ok    bool
	lines []string
	final string
}, atchat.ResultFunc) {
	t.Helper()
	ch := make(chan struct {
		ok    bool
		lines []string
		final string
	}, 1)
	return ch, func(ok bool, lines []string, final string) {
		ch <- struct {
			ok    bool
			lines []string
			final string
		}{ok, lines, final}
	}
}

func TestSendOK(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string {
		if line == "AT+CSQ" {
			return "+CSQ: 20,99\r\nOK\r\n"
		}
		return ""
	})

	ch, cb := waitResult(t, time.Second)
	c.Send("AT+CSQ", []string{"+CSQ:"}, cb)

	select {
	case r := <-ch:
		assert.True(t, r.ok)
		require.Len(t, r.lines, 1)
		assert.Equal(t, "+CSQ: 20,99", r.lines[0])
		assert.Equal(t, "OK", r.final)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestSendError(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string {
		if line == "AT+CPIN?" {
			return "+CME ERROR: 10\r\n"
		}
		return ""
	})

	ch, cb := waitResult(t, time.Second)
	c.Send("AT+CPIN?", nil, cb)

	select {
	case r := <-ch:
		assert.False(t, r.ok)
		assert.Equal(t, "+CME ERROR: 10", r.final)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestCustomTerminatorAndBlacklist(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string {
		if line == "AT+CUSTOM" {
			return "MY-DONE\r\n"
		}
		return ""
	})
	c.AddTerminator("MY-DONE", -1, true)
	c.BlacklistTerminator(atchat.TerminatorOK)

	ch, cb := waitResult(t, time.Second)
	c.Send("AT+CUSTOM", nil, cb)

	select {
	case r := <-ch:
		assert.True(t, r.ok)
		assert.Equal(t, "MY-DONE", r.final)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestSendListingStreamsLines(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string {
		if line == "AT+CPBR=1,10" {
			return "+CPBR: 1,\"12345\",129,\"A\"\r\n+CPBR: 2,\"67890\",129,\"B\"\r\nOK\r\n"
		}
		return ""
	})

	var mu sync.Mutex
	var got []string
	listing := func(lines []string) {
		mu.Lock()
		got = append(got, lines...)
		mu.Unlock()
	}

	ch, cb := waitResult(t, time.Second)
	c.SendListing("AT+CPBR=1,10", []string{"+CPBR:"}, listing, cb)

	select {
	case r := <-ch:
		assert.True(t, r.ok)
		assert.Equal(t, "OK", r.final)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "12345")
	assert.Contains(t, got[1], "67890")
}

func TestRegisterNotify(t *testing.T) {
	t.Parallel()
	c, remote := newChatPair(t, func(line string) string { return "" })

	got := make(chan []string, 1)
	id := c.Register("RING", func(lines []string) { got <- lines })
	require.NotZero(t, id)

	_, err := remote.Write([]byte("RING\r\n"))
	require.NoError(t, err)

	select {
	case lines := <-got:
		assert.Equal(t, []string{"RING"}, lines)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	assert.True(t, c.Unregister(id))

	_, err = remote.Write([]byte("RING\r\n"))
	require.NoError(t, err)
	select {
	case <-got:
		t.Fatal("notification delivered after unregister")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotifyUnregisterDuringCallbackIsDeferred(t *testing.T) {
	t.Parallel()
	c, remote := newChatPair(t, func(line string) string { return "" })

	var id uint
	called := make(chan struct{}, 2)
	id = c.Register("+CIEV:", func(lines []string) {
		c.Unregister(id)
		called <- struct{}{}
	})

	_, err := remote.Write([]byte("+CIEV: 1,1\r\n"))
	require.NoError(t, err)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("first notify not delivered")
	}

	_, err = remote.Write([]byte("+CIEV: 1,1\r\n"))
	require.NoError(t, err)
	select {
	case <-called:
		t.Fatal("notify fired after self-unregister took effect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloneHasIndependentGroup(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string { return "" })
	clone := c.Clone()
	require.NotNil(t, clone)

	id := c.Register("+X", func([]string) {})
	assert.False(t, clone.Unregister(id))
	assert.True(t, c.Unregister(id))
}

func TestSetSlaveAndSlave(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string { return "" })
	slave, _ := newChatPair(t, func(line string) string { return "" })

	got := c.SetSlave(slave)
	assert.Same(t, slave, got)
	assert.Same(t, slave, c.Slave())
}

func TestCancelNotYetWritten(t *testing.T) {
	t.Parallel()
	c, _ := newChatPair(t, func(line string) string { return "" })

	blocking := make(chan struct{})
	c.Send("AT+BLOCK", nil, func(bool, []string, string) { <-blocking })
	id := c.Send("AT+SECOND", nil, func(bool, []string, string) {})

	assert.True(t, c.Cancel(id))
	close(blocking)
}
