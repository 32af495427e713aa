package ipcp_test

import (
	"net"
	"testing"

	"github.com/daedaluz/gatmux/ppp/ipcp"
	"github.com/daedaluz/gatmux/pppcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	upLocal, upPeer, upDNS1, upDNS2 net.IP
	up                              bool
}

func (f *fakeNotifier) IPCPUp(local, peer, dns1, dns2 net.IP) {
	f.up = true
	f.upLocal, f.upPeer, f.upDNS1, f.upDNS2 = local, peer, dns1, dns2
}
func (f *fakeNotifier) IPCPDown()     {}
func (f *fakeNotifier) IPCPFinished() {}

func parsePacket(t *testing.T, code byte, data []byte) *pppcp.Packet {
	t.Helper()
	raw := append([]byte{code, 1, byte((4 + len(data)) >> 8), byte(4 + len(data))}, data...)
	pkt, ok := pppcp.ParsePacket(raw)
	require.True(t, ok)
	return pkt
}

func TestServerNaksMismatchedAddressRequest(t *testing.T) {
	notifier := &fakeNotifier{}
	peer := net.IPv4(192, 168, 1, 2).To4()
	d := ipcp.NewServer(notifier, net.IPv4(192, 168, 1, 1), ipcp.ServerConfig{
		PeerAddress: peer,
	})

	wrong := net.IPv4(10, 0, 0, 5).To4()
	opts := append([]byte{3, 6}, wrong...)
	pkt := parsePacket(t, 1, opts)

	result, nak := d.RCR(nil, pkt)
	require.Equal(t, pppcp.RCRNak, result)
	require.Len(t, nak, 6)
	assert.Equal(t, peer, net.IP(nak[2:6]))
}

func TestServerAcceptsMatchingAddressRequest(t *testing.T) {
	notifier := &fakeNotifier{}
	peer := net.IPv4(192, 168, 1, 2).To4()
	d := ipcp.NewServer(notifier, net.IPv4(192, 168, 1, 1), ipcp.ServerConfig{
		PeerAddress: peer,
	})

	opts := append([]byte{3, 6}, peer...)
	pkt := parsePacket(t, 1, opts)

	result, nak := d.RCR(nil, pkt)
	assert.Equal(t, pppcp.RCRAccept, result)
	assert.Nil(t, nak)
}

func TestRCAUpdatesLocalAddress(t *testing.T) {
	notifier := &fakeNotifier{}
	d := ipcp.NewClient(notifier)

	addr := net.IPv4(203, 0, 113, 7).To4()
	opts := append([]byte{3, 6}, addr...)
	pkt := parsePacket(t, 2, opts)

	d.RCA(nil, pkt)
	d.ThisLayerUp(nil)
	assert.True(t, notifier.up)
	assert.True(t, notifier.upLocal.Equal(addr))
}
