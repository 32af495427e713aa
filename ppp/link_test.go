package ppp_test

import (
	"io"
	"testing"
	"time"

	"github.com/daedaluz/gatmux/hdlc"
	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ppp"
	"github.com/daedaluz/gatmux/ppp/ipcp"
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

func TestClientServerLinkReachesNetworkPhase(t *testing.T) {
	t.Parallel()
	a, b := newLinkedPair()

	epA := ioendpoint.New(a, nil)
	defer epA.Close()
	epB := ioendpoint.New(b, nil)
	defer epB.Close()

	codecA := hdlc.New(epA, nil)
	codecB := hdlc.New(epB, nil)

	loopA := reactor.New(16)
	defer loopA.Close()
	loopB := reactor.New(16)
	defer loopB.Close()

	serverAddr := [4]byte{192, 168, 1, 1}
	clientLink := ppp.New(codecA, loopA, ppp.Options{
		IsServer:    false,
		MagicNumber: 0xAAAA,
	})
	serverLink := ppp.New(codecB, loopB, ppp.Options{
		IsServer:    true,
		MagicNumber: 0xBBBB,
		IPCPServer: &ipcp.ServerConfig{
			PeerAddress: []byte{192, 168, 1, 2},
			DNS1:        []byte{8, 8, 8, 8},
		},
		ServerAddr: serverAddr,
	})

	clientUp := make(chan struct{}, 1)
	clientLink.SetConnectFunc(func(status ppp.ConnectStatus) {
		if status == ppp.ConnectSuccess {
			select {
			case clientUp <- struct{}{}:
			default:
			}
		}
	})

	clientLink.Open()
	serverLink.Open()

	require.Eventually(t, func() bool {
		select {
		case <-clientUp:
			return true
		default:
			return clientLink.Phase() == ppp.PhaseNetwork
		}
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, ppp.PhaseNetwork, clientLink.Phase())
	require.Equal(t, ppp.PhaseNetwork, serverLink.Phase())
}
