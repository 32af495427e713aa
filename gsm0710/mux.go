package gsm0710

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ringbuf"
)

// Mode selects the wire framing a Mux uses, mirroring the basic/advanced
// GAtMuxDriver split in gatmux.c.
type Mode int

const (
	ModeBasic Mode = iota
	ModeAdvanced
)

const (
	maxChannels      = 63
	dlcBufferSize    = 4096
	defaultFrameSize = 31

	mscSet byte = 0xE3
	mscAck byte = 0xE1
	testCR byte = 0x43
	testNR byte = 0x41
)

var (
	// ErrChannelOpen is returned by OpenChannel for an already-open dlc.
	ErrChannelOpen = errors.New("gsm0710: channel already open")
	// ErrChannelClosed is returned by Channel.Write after Close.
	ErrChannelClosed = errors.New("gsm0710: channel closed")
	// ErrOpenRejected is returned by OpenChannel when the peer answers
	// with DM instead of UA.
	ErrOpenRejected = errors.New("gsm0710: peer rejected channel open (DM)")
)

// driver abstracts basic vs advanced wire framing, mirroring the
// gsm0710_basic_driver/gsm0710_advanced_driver GAtMuxDriver vtables.
type driver interface {
	fillFrame(dlc, control byte, info []byte) []byte
	extractFrame(buf []byte) (consumed int, dlc, control byte, payload []byte, ok bool)
}

type basicDriver struct{}

func (basicDriver) fillFrame(dlc, control byte, info []byte) []byte {
	return FillBasic(dlc, control, info)
}
func (basicDriver) extractFrame(buf []byte) (int, byte, byte, []byte, bool) {
	return ExtractBasic(buf)
}

type advancedDriver struct{}

func (advancedDriver) fillFrame(dlc, control byte, info []byte) []byte {
	return FillAdvanced(dlc, control, info)
}
func (advancedDriver) extractFrame(buf []byte) (int, byte, byte, []byte, bool) {
	return ExtractAdvanced(buf)
}

// DisconnectFunc notifies the owner that the underlying transport died.
type DisconnectFunc func()

type pendingOpen struct {
	result chan bool // true = UA, false = DM
}

// Mux multiplexes several logical DLC channels (RFC 07.10 §5.2) over one
// serial transport, mirroring GAtMux and gatmux.c's feed_data/dispatch loop.
type Mux struct {
	ep        *ioendpoint.Endpoint
	drv       driver
	frameSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	channels [maxChannels + 1]*Channel
	pending  map[byte]*pendingOpen

	disconnect DisconnectFunc

	writeMu sync.Mutex
}

// New wraps ep as a GSM 07.10 multiplexer in the given mode. frameSize
// bounds the info field of each data frame this end originates (data
// received from the peer is never limited by it); 0 picks the RFC default
// of 31 bytes (N1).
func New(ep *ioendpoint.Endpoint, mode Mode, frameSize int, logger *slog.Logger, mtx *metrics.Metrics) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}
	m := &Mux{
		ep:        ep,
		frameSize: frameSize,
		logger:    logger.With("component", "gsm0710"),
		metrics:   mtx,
		pending:   make(map[byte]*pendingOpen),
	}
	if mode == ModeAdvanced {
		m.drv = advancedDriver{}
	} else {
		m.drv = basicDriver{}
	}
	ep.SetReadHandler(m.onReadable)
	ep.SetDisconnectFunc(m.onDisconnect)
	return m
}

// SetDisconnectFunc installs the callback run once the transport closes.
func (m *Mux) SetDisconnectFunc(fn DisconnectFunc) { m.disconnect = fn }

// Start opens the control channel (DLC 0), mirroring
// gsm0710_basic_startup/gsm0710_advanced_startup.
func (m *Mux) Start() {
	m.writeFrame(0, SABM, nil)
}

// Shutdown closes the control channel, mirroring *_shutdown.
func (m *Mux) Shutdown() {
	m.writeFrame(0, DISC, nil)
}

// writeFrame serializes access to the underlying Endpoint.Write: frames can
// originate both from the reader callback (acks) and from other goroutines
// (OpenChannel, Channel.Write), and the wire format has no frame-level
// arbitration of its own.
func (m *Mux) writeFrame(dlc, control byte, info []byte) {
	frame := m.drv.fillFrame(dlc, control, info)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.ep.Write(frame); err != nil {
		m.logger.Debug("gsm0710 write failed", "error", err)
	}
}

// OpenChannel requests dlc be opened (SABM) and blocks until the peer
// answers with UA, DM, or ctx expires.
func (m *Mux) OpenChannel(ctx context.Context, dlc byte) (*Channel, error) {
	if dlc == 0 || dlc > maxChannels {
		return nil, fmt.Errorf("gsm0710: invalid dlc %d", dlc)
	}

	m.mu.Lock()
	if m.channels[dlc] != nil {
		m.mu.Unlock()
		return nil, ErrChannelOpen
	}
	ch := newChannel(m, dlc)
	m.channels[dlc] = ch
	p := &pendingOpen{result: make(chan bool, 1)}
	m.pending[dlc] = p
	m.mu.Unlock()

	m.writeFrame(dlc, SABM, nil)

	select {
	case ua := <-p.result:
		if !ua {
			m.mu.Lock()
			m.channels[dlc] = nil
			m.mu.Unlock()
			return nil, ErrOpenRejected
		}
		m.mu.Lock()
		m.setChannelsOpenLocked()
		m.mu.Unlock()
		return ch, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.channels[dlc] = nil
		delete(m.pending, dlc)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// CloseChannel requests dlc be closed (DISC) and detaches it locally.
func (m *Mux) CloseChannel(dlc byte) {
	m.writeFrame(dlc, DISC, nil)
	m.mu.Lock()
	ch := m.channels[dlc]
	m.channels[dlc] = nil
	m.setChannelsOpenLocked()
	m.mu.Unlock()
	if ch != nil {
		ch.closeRemote()
	}
}

// Channel returns the currently open Channel for dlc, or nil.
func (m *Mux) Channel(dlc byte) *Channel {
	if dlc > maxChannels {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[dlc]
}

// SetStatus sends a modem-status-command Set for dlc's V.24 signal bits
// (G_AT_MUX_DLC_STATUS_*), mirroring gsm0710_basic_set_status.
func (m *Mux) SetStatus(dlc, status byte) {
	data := []byte{mscSet, 0x03, (dlc << 2) | 0x03, status}
	m.writeFrame(0, UIH, data)
}

func (m *Mux) setChannelsOpenLocked() {
	n := 0
	for _, ch := range m.channels {
		if ch != nil {
			n++
		}
	}
	m.metrics.SetChannelsOpen(n)
}

func (m *Mux) writeDLCData(dlc byte, data []byte) {
	for len(data) > 0 {
		n := len(data)
		if n > m.frameSize {
			n = m.frameSize
		}
		m.writeFrame(dlc, UIH, data[:n])
		data = data[n:]
	}
}

// onReadable runs on the Endpoint's reactor loop, draining every complete
// frame currently available, mirroring received_data's feed_data loop.
func (m *Mux) onReadable(buf *ringbuf.Buffer) {
	for {
		n := buf.Len()
		if n == 0 {
			return
		}
		data := buf.Peek(n)
		consumed, dlc, control, payload, ok := m.drv.extractFrame(data)
		if !ok {
			if consumed > 0 {
				m.metrics.RecordDroppedFrame("fcs")
				m.metrics.RecordFCSError()
				buf.Drain(consumed)
				continue
			}
			return
		}
		buf.Drain(consumed)
		m.handleFrame(dlc, control, payload)
	}
}

func (m *Mux) handleFrame(dlc, control byte, payload []byte) {
	switch control {
	case UA:
		m.resolvePending(dlc, true)
	case DM:
		m.resolvePending(dlc, false)
		m.dropChannel(dlc)
	case SABM:
		m.writeFrame(dlc, UA, nil)
		if dlc != 0 {
			m.mu.Lock()
			if m.channels[dlc] == nil {
				m.channels[dlc] = newChannel(m, dlc)
			}
			m.setChannelsOpenLocked()
			m.mu.Unlock()
		}
	case DISC:
		m.writeFrame(dlc, UA, nil)
		m.dropChannel(dlc)
	case UIH, GSM0710DataAlt:
		if dlc == 0 {
			m.handleControlPayload(payload)
			return
		}
		ch := m.Channel(dlc)
		if ch != nil {
			ch.feed(payload)
		} else {
			m.metrics.RecordDroppedFrame("no-channel")
		}
	}
}

func (m *Mux) dropChannel(dlc byte) {
	m.mu.Lock()
	ch := m.channels[dlc]
	m.channels[dlc] = nil
	m.setChannelsOpenLocked()
	m.mu.Unlock()
	if ch != nil {
		ch.closeRemote()
	}
}

func (m *Mux) resolvePending(dlc byte, ua bool) {
	m.mu.Lock()
	p, ok := m.pending[dlc]
	if ok {
		delete(m.pending, dlc)
	}
	m.mu.Unlock()
	if ok {
		p.result <- ua
	}
}

// handleControlPayload interprets a UIH frame on DLC 0: either the modem
// status command sub-protocol (RTS/RTR/IC/DV signal emulation) or the
// peer capability test command, mirroring gsm0710_packet's dlc==0 branch.
func (m *Mux) handleControlPayload(data []byte) {
	if len(data) < 2 {
		return
	}
	switch data[0] {
	case mscSet:
		m.handleStatusSet(data[2:])
	case testCR:
		resp := append([]byte{testNR}, data[1:]...)
		m.writeFrame(0, UIH, resp)
	}
}

func (m *Mux) handleStatusSet(info []byte) {
	if len(info) < 2 {
		return
	}
	dlc := info[0] >> 2
	status := info[1]
	if dlc >= 1 && dlc <= maxChannels {
		m.setChannelStatus(dlc, status)
	}
	resp := make([]byte, 0, len(info)+2)
	resp = append(resp, mscAck, byte(len(info)<<1)|0x01)
	resp = append(resp, info...)
	m.writeFrame(0, UIH, resp)
}

func (m *Mux) setChannelStatus(dlc, status byte) {
	ch := m.Channel(dlc)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	ch.status = status
	ch.mu.Unlock()
}

func (m *Mux) onDisconnect(err error) {
	m.mu.Lock()
	channels := m.channels
	m.channels = [maxChannels + 1]*Channel{}
	m.setChannelsOpenLocked()
	m.mu.Unlock()
	for _, ch := range channels {
		if ch != nil {
			ch.closeRemote()
		}
	}
	if m.disconnect != nil {
		m.disconnect()
	}
}

// Channel is one open DLC: an io.ReadWriteCloser atchat's Endpoint (or any
// other consumer) can wrap directly, backed by a ring buffer fed from the
// Mux's decode loop.
type Channel struct {
	mux *Mux
	dlc byte

	mu     sync.Mutex
	cond   *sync.Cond
	buf    *ringbuf.Buffer
	closed bool
	status byte
}

func newChannel(mux *Mux, dlc byte) *Channel {
	c := &Channel{mux: mux, dlc: dlc, buf: ringbuf.New(dlcBufferSize)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// DLC returns the channel's logical DLC number.
func (c *Channel) DLC() byte { return c.dlc }

// Status returns the last modem-status bits reported for this DLC
// (G_AT_MUX_DLC_STATUS_* flags).
func (c *Channel) Status() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) feed(data []byte) {
	c.mu.Lock()
	if n := c.buf.Write(data); n < len(data) {
		c.mux.metrics.RecordDroppedFrame("dlc-buffer-full")
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Read implements io.Reader, blocking until data is available or the
// channel closes.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	for c.buf.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.buf.Len() == 0 {
		c.mu.Unlock()
		return 0, io.EOF
	}
	n := c.buf.Len()
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.buf.Peek(n))
	c.buf.Drain(n)
	c.mu.Unlock()
	return n, nil
}

// Write implements io.Writer, splitting p into frames no larger than the
// mux's configured frame size, mirroring gsm0710_basic_write's chunking.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrChannelClosed
	}
	c.mux.writeDLCData(c.dlc, p)
	return len(p), nil
}

// Close requests the DLC be closed and unblocks any pending Read.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.mux.CloseChannel(c.dlc)
	return nil
}

func (c *Channel) closeRemote() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}
