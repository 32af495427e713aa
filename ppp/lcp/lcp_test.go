package lcp_test

import (
	"testing"

	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ppp/lcp"
	"github.com/daedaluz/gatmux/pppcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	upCalled  bool
	mru       uint16
	xmitPFC   bool
	xmitACFC  bool
	recvACCM  uint32
	xmitACCM  uint32
}

func (f *fakeNotifier) LCPUp(mru uint16, peerAuth bool) { f.upCalled = true; f.mru = mru }
func (f *fakeNotifier) LCPDown()                        {}
func (f *fakeNotifier) LCPFinished()                    {}
func (f *fakeNotifier) SetReceiveACCM(accm uint32)       { f.recvACCM = accm }
func (f *fakeNotifier) SetTransmitACCM(accm uint32)      { f.xmitACCM = accm }
func (f *fakeNotifier) SetTransmitPFC(v bool)            { f.xmitPFC = v }
func (f *fakeNotifier) SetTransmitACFC(v bool)           { f.xmitACFC = v }
func (f *fakeNotifier) SetPeerRequiresAuth(proto uint16) {}

type fakeTx struct{ sent [][]byte }

func (t *fakeTx) Transmit(proto uint16, info []byte) { t.sent = append(t.sent, info) }

func TestRCRAcceptsPlainRequest(t *testing.T) {
	loop := reactor.New(4)
	defer loop.Close()
	notifier := &fakeNotifier{}
	f, d := lcp.NewFSM(notifier, 0x12345678, &fakeTx{}, loop, false, nil)
	_ = f

	pkt := encodeConfigureRequest(t, nil)
	result, newOpts := d.RCR(f, pkt)
	assert.Equal(t, 0, int(result)) // RCRAccept == 0
	assert.Nil(t, newOpts)
}

func TestRCRNaksNonChapAuthProto(t *testing.T) {
	loop := reactor.New(4)
	defer loop.Close()
	notifier := &fakeNotifier{}
	f, d := lcp.NewFSM(notifier, 1, &fakeTx{}, loop, false, nil)

	// PAP (0xc023), method byte 0 - not CHAP/MD5
	opts := []byte{3, 5, 0xc0, 0x23, 0}
	pkt := encodeConfigureRequest(t, opts)
	result, nak := d.RCR(f, pkt)
	require.Equal(t, 2, int(result)) // RCRNak == 2
	require.Len(t, nak, 5)
	assert.Equal(t, byte(3), nak[0])
	assert.Equal(t, byte(0xc2), nak[2])
	assert.Equal(t, byte(0x23), nak[3])
	assert.Equal(t, byte(5), nak[4])
}

func TestRCARecordsReceiveACCM(t *testing.T) {
	loop := reactor.New(4)
	defer loop.Close()
	notifier := &fakeNotifier{}
	f, d := lcp.NewFSM(notifier, 1, &fakeTx{}, loop, false, nil)

	opts := []byte{2, 6, 0, 0, 0, 0x0f}
	pkt := encodeConfigureRequest(t, opts)
	d.RCA(f, pkt)
	assert.Equal(t, uint32(0x0f), notifier.recvACCM)
}

func encodeConfigureRequest(t *testing.T, data []byte) *pppcp.Packet {
	t.Helper()
	raw := append([]byte{1, 1, byte((4 + len(data)) >> 8), byte(4 + len(data))}, data...)
	pkt, ok := pppcp.ParsePacket(raw)
	require.True(t, ok)
	return pkt
}
