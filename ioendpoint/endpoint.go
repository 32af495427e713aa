// Package ioendpoint implements the non-blocking read/write pump that sits
// under every protocol layer in this module (AT chat, the GSM 07.10 mux,
// the PPP HDLC framer): it owns a ring buffer fed by a dedicated reader
// goroutine, and delivers new bytes and write-readiness to a single
// reactor.Loop so callers never have to synchronize with each other.
package ioendpoint

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ringbuf"
)

// ReadFunc is invoked on the Endpoint's reactor loop whenever new bytes have
// been appended to buf. Handlers are expected to Drain what they consume.
type ReadFunc func(buf *ringbuf.Buffer)

// WriteFunc is pulled repeatedly while installed: return true to be called
// again (more to write), false to be unregistered.
type WriteFunc func() bool

// DisconnectFunc is called once, on the reactor loop, when the underlying
// stream reports EOF or an error.
type DisconnectFunc func(err error)

// DebugFunc observes raw bytes crossing the wire; sent is true for writes,
// false for reads. It mirrors the original library's hex-dump-to-stderr
// debug hook, generalized to any sink.
type DebugFunc func(sent bool, data []byte)

const defaultBufferSize = 8192
const maxReadAttemptsNonBlocking = 3

// Endpoint pumps bytes between an io.ReadWriteCloser and a ring buffer,
// dispatching read/write/disconnect callbacks on its own reactor.Loop.
type Endpoint struct {
	rw     io.ReadWriteCloser
	loop   *reactor.Loop
	buf    *ringbuf.Buffer
	logger *slog.Logger

	maxReadAttempts int

	mu           sync.Mutex
	readHandler  ReadFunc
	writeHandler WriteFunc
	disconnect   DisconnectFunc
	debug        DebugFunc
	writeDone    DisconnectFunc

	stopOnce       sync.Once
	closeOnce      sync.Once
	disconnectOnce sync.Once
	stopRead       chan struct{}
}

// New creates a non-blocking-style Endpoint: a reader goroutine drains up to
// three reads per wakeup (stopping early on a short read) before the read
// handler fires, mirroring gatio.c's max_read_attempts for a non-blocking
// channel.
func New(rw io.ReadWriteCloser, logger *slog.Logger) *Endpoint {
	return newEndpoint(rw, logger, maxReadAttemptsNonBlocking)
}

// NewBlocking creates an Endpoint for a stream where each Read is expected
// to block until data is available; exactly one read is issued per wakeup,
// since a second would just block the reader goroutine waiting on the next
// byte instead of yielding to the read handler.
func NewBlocking(rw io.ReadWriteCloser, logger *slog.Logger) *Endpoint {
	return newEndpoint(rw, logger, 1)
}

func newEndpoint(rw io.ReadWriteCloser, logger *slog.Logger, maxReadAttempts int) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoint{
		rw:              rw,
		loop:            reactor.New(64),
		buf:             ringbuf.New(defaultBufferSize),
		logger:          logger.With("component", "ioendpoint"),
		maxReadAttempts: maxReadAttempts,
		stopRead:        make(chan struct{}),
	}
	go e.readerLoop()
	return e
}

// readerLoop drains up to maxReadAttempts reads per wakeup into a single
// batch, then posts it to the reactor loop as one deliver call — mirroring
// gatio.c's received_data: total_read accumulates across the do-while, and
// the read handler fires once per wakeup regardless of how many reads it
// took to fill it. A short read (n < len(chunk)) ends the batch early,
// exactly like the C loop's ring_buffer_avail_no_wrap(io->buf) == 0 check.
func (e *Endpoint) readerLoop() {
	chunk := make([]byte, defaultBufferSize)
	for {
		var batch []byte
		var readErr error
		for attempt := 0; attempt < e.maxReadAttempts; attempt++ {
			n, err := e.rw.Read(chunk)
			if n > 0 {
				batch = append(batch, chunk[:n]...)
			}
			if err != nil {
				readErr = err
				break
			}
			if n < len(chunk) {
				break
			}
		}
		if len(batch) > 0 {
			data := batch
			e.loop.Post(func() { e.deliver(data) })
		}
		if readErr != nil {
			e.loop.Post(func() { e.handleDisconnect(readErr) })
			return
		}
		select {
		case <-e.stopRead:
			return
		default:
		}
	}
}

// errRingFull is the synthetic disconnect reason for a ring buffer that
// can't absorb an incoming read, matching spec §4.B's "ring buffer full"
// hard-disconnect condition alongside HUP/ERR/NVAL.
var errRingFull = fmt.Errorf("ioendpoint: ring buffer full")

func (e *Endpoint) deliver(data []byte) {
	e.mu.Lock()
	debug := e.debug
	e.mu.Unlock()
	if debug != nil {
		debug(false, data)
	}

	written := e.buf.Write(data)

	e.mu.Lock()
	handler := e.readHandler
	e.mu.Unlock()
	if handler != nil && written > 0 {
		handler(e.buf)
	}

	if written < len(data) {
		e.logger.Error("read buffer full, disconnecting", "dropped", len(data)-written)
		// Clear the read source first, per spec: stop the reader goroutine
		// from re-entering with more bytes we have nowhere to put. rw.Close
		// and the loop shutdown run off this goroutine because this call is
		// itself executing as a job on e.loop; Loop.Close blocks until that
		// job returns, so calling it inline here would deadlock.
		e.stopReading()
		go e.Close()
		e.handleDisconnect(errRingFull)
	}
}

// handleDisconnect invokes the disconnect callback exactly once, however
// many times it is called (readerLoop's natural error path and a
// ring-buffer-full disconnect from deliver can both fire it for the same
// stream teardown).
func (e *Endpoint) handleDisconnect(err error) {
	e.disconnectOnce.Do(func() {
		e.mu.Lock()
		cb := e.disconnect
		e.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
}

// stopReading signals the reader goroutine to exit once its in-flight Read
// returns, without touching the stream or the reactor loop.
func (e *Endpoint) stopReading() {
	e.stopOnce.Do(func() { close(e.stopRead) })
}

// SetReadHandler installs fn to be called on the reactor loop whenever new
// bytes are available. If data is already buffered, fn is invoked
// immediately (on the caller's goroutine, matching the original's
// behavior of firing the handler synchronously from the setter when the
// buffer is already non-empty).
func (e *Endpoint) SetReadHandler(fn ReadFunc) {
	e.mu.Lock()
	e.readHandler = fn
	already := e.buf.Len() > 0
	e.mu.Unlock()
	if fn != nil && already {
		fn(e.buf)
	}
}

// SetWriteHandler installs fn to be pulled on the reactor loop until it
// returns false. Only one write handler may be active at a time.
func (e *Endpoint) SetWriteHandler(fn WriteFunc) {
	e.loop.Post(func() {
		e.mu.Lock()
		e.writeHandler = fn
		e.mu.Unlock()
		if fn == nil {
			return
		}
		e.pumpWrites()
	})
}

func (e *Endpoint) pumpWrites() {
	for {
		e.mu.Lock()
		fn := e.writeHandler
		e.mu.Unlock()
		if fn == nil {
			return
		}
		if !fn() {
			e.mu.Lock()
			e.writeHandler = nil
			done := e.writeDone
			e.writeDone = nil
			e.mu.Unlock()
			if done != nil {
				done(nil)
			}
			return
		}
	}
}

// Write synchronously writes data to the underlying stream and invokes the
// debug sink, returning the number of bytes written.
func (e *Endpoint) Write(data []byte) (int, error) {
	n, err := e.rw.Write(data)
	e.mu.Lock()
	debug := e.debug
	e.mu.Unlock()
	if debug != nil && n > 0 {
		debug(true, data[:n])
	}
	if err != nil {
		return n, fmt.Errorf("ioendpoint: write: %w", err)
	}
	return n, nil
}

// SetDisconnectFunc installs the callback fired once when the stream
// closes or errors.
func (e *Endpoint) SetDisconnectFunc(fn DisconnectFunc) {
	e.mu.Lock()
	e.disconnect = fn
	e.mu.Unlock()
}

// SetDebugSink installs a raw byte observer, matching g_at_io_set_debug.
func (e *Endpoint) SetDebugSink(fn DebugFunc) {
	e.mu.Lock()
	e.debug = fn
	e.mu.Unlock()
}

// SetWriteDone installs a callback fired once the active write handler
// returns false (the transmit queue has drained), matching
// g_at_io_set_write_done.
func (e *Endpoint) SetWriteDone(fn DisconnectFunc) {
	e.mu.Lock()
	e.writeDone = fn
	e.mu.Unlock()
}

// Drain consumes n bytes from the front of the read buffer.
func (e *Endpoint) Drain(n int) {
	e.buf.Drain(n)
}

// Loop returns the Endpoint's reactor loop, for layers above that need to
// post additional serialized work (timers, follow-up sends).
func (e *Endpoint) Loop() *reactor.Loop {
	return e.loop
}

// Close stops the reader goroutine, closes the underlying stream, and stops
// the reactor loop.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.stopReading()
		err = e.rw.Close()
		e.loop.Close()
	})
	return err
}

// HexDebug returns a DebugFunc that writes a gatutil.c-style hex dump of
// traffic to w, prefixed with "<" for reads and ">" for writes.
func HexDebug(w io.Writer) DebugFunc {
	return func(sent bool, data []byte) {
		prefix := "<"
		if sent {
			prefix = ">"
		}
		var b bytes.Buffer
		fmt.Fprintf(&b, "%s %s\n", prefix, formatHex(data))
		_, _ = w.Write(b.Bytes())
	}
}

func formatHex(data []byte) string {
	var b bytes.Buffer
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}
