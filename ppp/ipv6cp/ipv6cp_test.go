package ipv6cp_test

import (
	"encoding/binary"
	"testing"

	"github.com/daedaluz/gatmux/ppp/ipv6cp"
	"github.com/daedaluz/gatmux/pppcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	up             bool
	local, peer    uint64
}

func (f *fakeNotifier) IPv6CPUp(local, peer uint64) { f.up = true; f.local, f.peer = local, peer }
func (f *fakeNotifier) IPv6CPDown()                 {}
func (f *fakeNotifier) IPv6CPFinished()             {}

func parsePacket(t *testing.T, code byte, data []byte) *pppcp.Packet {
	t.Helper()
	raw := append([]byte{code, 1, byte((4 + len(data)) >> 8), byte(4 + len(data))}, data...)
	pkt, ok := pppcp.ParsePacket(raw)
	require.True(t, ok)
	return pkt
}

func TestRCRNaksZeroInterfaceID(t *testing.T) {
	notifier := &fakeNotifier{}
	d := ipv6cp.New(notifier, 0xAABBCCDD11223344)

	opts := make([]byte, 10)
	opts[0] = 1
	opts[1] = 10
	pkt := parsePacket(t, 1, opts)

	result, nak := d.RCR(nil, pkt)
	require.Equal(t, pppcp.RCRNak, result)
	require.Len(t, nak, 10)
	assert.NotZero(t, binary.BigEndian.Uint64(nak[2:]))
}

func TestRCRAcceptsNonzeroInterfaceID(t *testing.T) {
	notifier := &fakeNotifier{}
	d := ipv6cp.New(notifier, 1)

	opts := make([]byte, 10)
	opts[0] = 1
	opts[1] = 10
	binary.BigEndian.PutUint64(opts[2:], 0x1)
	pkt := parsePacket(t, 1, opts)

	result, nak := d.RCR(nil, pkt)
	assert.Equal(t, pppcp.RCRAccept, result)
	assert.Nil(t, nak)

	d.ThisLayerUp(nil)
	assert.True(t, notifier.up)
	assert.Equal(t, uint64(1), notifier.peer)
}
