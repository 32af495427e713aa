// Package rawip implements a byte-for-byte pump between a serial Endpoint
// and a freshly created TUN interface, for modems that emit raw IP framing
// (e.g. Infineon's M-RAW_IP mode) instead of negotiating PPP over the link.
// There is no parsing, no FSM, no HDLC - just two directions of
// ring-buffered copying, mirroring gatrawip.c's new_bytes/tun_bytes pair.
package rawip

import (
	"log/slog"
	"os"

	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/pppnet"
	"github.com/daedaluz/gatmux/ringbuf"
)

// tunNamePattern mirrors create_tun's "gprs%d" request, distinguishing a
// raw-IP bridge's interface from pppnet's "ppp%d" PPP interfaces.
const tunNamePattern = "gprs%d"

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithEnvDebug enables a hex-dump debug sink on both directions of the
// bridge when the OFONO_IP_DEBUG environment variable is set, mirroring
// the original library's one direct environment-variable read.
func WithEnvDebug() Option {
	return func(b *Bridge) {
		if os.Getenv("OFONO_IP_DEBUG") != "" {
			b.envDebug = true
		}
	}
}

// Bridge couples one serial-side Endpoint to one TUN device. Open creates
// the TUN interface and starts pumping; Shutdown tears both directions
// down without closing the serial Endpoint, matching
// g_at_rawip_shutdown's one-way ownership (the rawip never owns rawip->io,
// only rawip->tun_io).
type Bridge struct {
	ep     *ioendpoint.Endpoint
	logger *slog.Logger
	mtx    *metrics.Metrics

	envDebug bool

	tunFile *os.File
	tunEp   *ioendpoint.Endpoint
	ifname  string
}

// NewBridge wraps the serial-side Endpoint a raw-IP session runs over.
// Open must be called before any bytes flow.
func NewBridge(ep *ioendpoint.Endpoint, logger *slog.Logger, mtx *metrics.Metrics, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		ep:     ep,
		logger: logger.With("component", "rawip"),
		mtx:    mtx,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open creates the TUN device (mirroring create_tun) and wires both read
// handlers, mirroring g_at_rawip_open: bytes read from the serial Endpoint
// are written to the TUN, and bytes read from the TUN are written to the
// serial Endpoint, each directly from the read handler.
func (b *Bridge) Open() error {
	file, name, err := pppnet.OpenRawTun(tunNamePattern)
	if err != nil {
		return err
	}
	b.tunFile = file
	b.ifname = name
	b.tunEp = ioendpoint.NewBlocking(file, b.logger)

	if b.envDebug {
		sink := ioendpoint.HexDebug(os.Stderr)
		b.ep.SetDebugSink(sink)
		b.tunEp.SetDebugSink(sink)
	}

	b.ep.SetReadHandler(func(buf *ringbuf.Buffer) { b.pump(buf, b.tunEp, "serial_to_tun") })
	b.tunEp.SetReadHandler(func(buf *ringbuf.Buffer) { b.pump(buf, b.ep, "tun_to_serial") })

	b.logger.Info("raw-ip bridge up", "interface", b.ifname)
	return nil
}

// pump writes everything currently buffered in src to dst and drains it,
// the byte-for-byte equivalent of new_bytes/tun_bytes handing their ring
// buffer straight to the other side's write handler. Unlike the original's
// deferred write-handler pump this writes synchronously from the read
// callback - both Endpoints already serialize their own writes, and a
// TUN/serial raw-IP bridge has no backpressure signal worth modeling
// beyond what Endpoint.Write's blocking write gives for free.
func (b *Bridge) pump(src *ringbuf.Buffer, dst *ioendpoint.Endpoint, direction string) {
	n := src.Len()
	if n == 0 {
		return
	}
	data := src.Peek(n)
	written, err := dst.Write(data)
	if err != nil {
		b.logger.Warn("raw-ip bridge write error", "error", err)
		b.mtx.RecordRawIPError()
		src.Drain(n)
		return
	}
	src.Drain(written)
	b.mtx.RecordRawIPBytes(direction, written)
}

// Interface returns the kernel-assigned TUN interface name (e.g. "gprs0"),
// valid only after a successful Open.
func (b *Bridge) Interface() string {
	return b.ifname
}

// Shutdown tears down both read handlers and closes the TUN device,
// mirroring g_at_rawip_shutdown. The serial Endpoint is left untouched -
// the caller owns it and may hand it to another protocol layer.
func (b *Bridge) Shutdown() {
	b.ep.SetReadHandler(nil)
	if b.tunEp != nil {
		_ = b.tunEp.Close()
		b.tunEp = nil
	}
	b.tunFile = nil
}
