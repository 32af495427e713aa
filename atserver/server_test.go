package atserver_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/daedaluz/gatmux/atserver"
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

// newServerPair wires an atserver.Server to one side of a pipe and hands
// back the other side, playing the part of the client sending command
// lines and reading back responses.
func newServerPair(t *testing.T) (*atserver.Server, *pipeRWC) {
	t.Helper()
	local, remote := newLinkedPair()
	ep := ioendpoint.New(local, nil)
	t.Cleanup(func() { _ = ep.Close() })
	s := atserver.New(ep, nil, nil)
	return s, remote
}

// readReply reads off remote until it sees the final S3 S4 ("\r\n") pair
// terminating a result code, or the deadline passes.
func readReply(t *testing.T, remote *pipeRWC, timeout time.Duration) string {
	t.Helper()
	ch := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		var got []byte
		for {
			n, err := remote.Read(buf)
			if err != nil {
				return
			}
			got = append(got, buf[:n]...)
			if len(got) >= 4 && string(got[len(got)-2:]) == "\r\n" {
				ch <- string(got)
				return
			}
		}
	}()
	select {
	case s := <-ch:
		return s
	case <-time.After(timeout):
		t.Fatal("no reply from server")
		return ""
	}
}

func TestDefaultEchoAndOK(t *testing.T) {
	t.Parallel()
	_, remote := newServerPair(t)

	_, err := remote.Write([]byte("ATE0\r"))
	require.NoError(t, err)

	reply := readReply(t, remote, 2*time.Second)
	assert.Contains(t, reply, "ATE0\r")
	assert.Contains(t, reply, "OK")
}

func TestQueryRegister(t *testing.T) {
	t.Parallel()
	_, remote := newServerPair(t)

	_, err := remote.Write([]byte("ATE0\r"))
	require.NoError(t, err)
	readReply(t, remote, 2*time.Second)

	_, err = remote.Write([]byte("ATS7?\r"))
	require.NoError(t, err)
	reply := readReply(t, remote, 2*time.Second)
	assert.Contains(t, reply, "S7: 50")
	assert.Contains(t, reply, "OK")
}

func TestQuietSetThenClearedRestoresOK(t *testing.T) {
	t.Parallel()
	_, remote := newServerPair(t)

	_, err := remote.Write([]byte("ATE0Q1\r"))
	require.NoError(t, err)
	// Quiet takes effect immediately, so the OK for this very line is
	// itself suppressed; give the server time to process it.
	time.Sleep(100 * time.Millisecond)

	_, err = remote.Write([]byte("ATQ0\r"))
	require.NoError(t, err)
	reply := readReply(t, remote, 2*time.Second)
	assert.Contains(t, reply, "OK")
}

func TestUnknownCommandIsError(t *testing.T) {
	t.Parallel()
	_, remote := newServerPair(t)

	_, err := remote.Write([]byte("ATE0\r"))
	require.NoError(t, err)
	readReply(t, remote, 2*time.Second)

	_, err = remote.Write([]byte("AT+CFOO\r"))
	require.NoError(t, err)
	reply := readReply(t, remote, 2*time.Second)
	assert.Contains(t, reply, "ERROR")
}

func TestRegisterCustomHandler(t *testing.T) {
	t.Parallel()
	s, remote := newServerPair(t)

	var mu sync.Mutex
	var lastReq atserver.RequestType
	var lastArg string
	ok := s.Register("+CSQ", func(srv *atserver.Server, req atserver.RequestType, arg string) {
		mu.Lock()
		lastReq = req
		lastArg = arg
		mu.Unlock()
		if req == atserver.RequestQuery {
			srv.SendIntermediate("+CSQ: 20,99")
		}
		srv.SendFinal(atserver.ResultOK)
	})
	require.True(t, ok)

	_, err := remote.Write([]byte("ATE0\r"))
	require.NoError(t, err)
	readReply(t, remote, 2*time.Second)

	_, err = remote.Write([]byte("AT+CSQ?\r"))
	require.NoError(t, err)
	reply := readReply(t, remote, 2*time.Second)
	assert.Contains(t, reply, "+CSQ: 20,99")
	assert.Contains(t, reply, "OK")

	mu.Lock()
	assert.Equal(t, atserver.RequestQuery, lastReq)
	assert.Equal(t, "", lastArg)
	mu.Unlock()
}

func TestDeferredFinalContinuesChain(t *testing.T) {
	t.Parallel()
	s, remote := newServerPair(t)

	release := make(chan struct{})
	ok := s.Register("+SLOW", func(srv *atserver.Server, req atserver.RequestType, arg string) {
		go func() {
			<-release
			srv.SendFinal(atserver.ResultOK)
		}()
	})
	require.True(t, ok)

	_, err := remote.Write([]byte("ATE0\r"))
	require.NoError(t, err)
	readReply(t, remote, 2*time.Second)

	assert.False(t, s.CommandPending())

	_, err = remote.Write([]byte("AT+SLOW;E0\r"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, s.CommandPending())

	close(release)
	reply := readReply(t, remote, 2*time.Second)
	assert.Contains(t, reply, "OK")
	assert.False(t, s.CommandPending())
}

func TestChainedCommandsOneOK(t *testing.T) {
	t.Parallel()
	_, remote := newServerPair(t)

	_, err := remote.Write([]byte("ATE0;Q0;V1\r"))
	require.NoError(t, err)
	reply := readReply(t, remote, 2*time.Second)
	assert.Equal(t, 1, countOccurrences(reply, "OK"))
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}
