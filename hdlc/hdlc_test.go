package hdlc_test

import (
	"io"
	"testing"
	"time"

	"github.com/daedaluz/gatmux/hdlc"
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

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := newLinkedPair()

	epA := ioendpoint.New(a, nil)
	defer epA.Close()
	epB := ioendpoint.New(b, nil)
	defer epB.Close()

	codecA := hdlc.New(epA, nil)
	codecB := hdlc.New(epB, nil)

	got := make(chan []byte, 1)
	codecB.SetReceiveFunc(func(frame []byte) {
		got <- append([]byte(nil), frame...)
	})

	codecA.Send([]byte{0xFF, 0x03, 0x00, 0x21, 0xDE, 0xAD, 0xBE, 0xEF})

	select {
	case frame := <-got:
		assert.Equal(t, []byte{0xFF, 0x03, 0x00, 0x21, 0xDE, 0xAD, 0xBE, 0xEF}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never received")
	}
}

func TestSendEscapesFlagAndEscapeBytes(t *testing.T) {
	t.Parallel()
	a, b := newLinkedPair()

	epA := ioendpoint.New(a, nil)
	defer epA.Close()
	epB := ioendpoint.New(b, nil)
	defer epB.Close()

	codecA := hdlc.New(epA, nil)
	codecB := hdlc.New(epB, nil)

	got := make(chan []byte, 1)
	codecB.SetReceiveFunc(func(frame []byte) {
		got <- append([]byte(nil), frame...)
	})

	payload := []byte{0x7E, 0x7D, 0x01, 0x02}
	codecA.Send(payload)

	select {
	case frame := <-got:
		assert.Equal(t, payload, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never received")
	}
}

func TestMultipleFramesReassembleInOrder(t *testing.T) {
	t.Parallel()
	a, b := newLinkedPair()

	epA := ioendpoint.New(a, nil)
	defer epA.Close()
	epB := ioendpoint.New(b, nil)
	defer epB.Close()

	codecA := hdlc.New(epA, nil)
	codecB := hdlc.New(epB, nil)

	got := make(chan []byte, 4)
	codecB.SetReceiveFunc(func(frame []byte) {
		got <- append([]byte(nil), frame...)
	})

	codecA.Send([]byte{0x01})
	codecA.Send([]byte{0x02})
	codecA.Send([]byte{0x03})

	require.Eventually(t, func() bool { return len(got) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte{0x01}, <-got)
	assert.Equal(t, []byte{0x02}, <-got)
	assert.Equal(t, []byte{0x03}, <-got)
}
