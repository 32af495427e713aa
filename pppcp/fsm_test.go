package pppcp_test

import (
	"testing"

	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/pppcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTx captures every PPPCP packet handed to Transmit for assertion.
type recordingTx struct {
	sent [][]byte
}

func (r *recordingTx) Transmit(proto uint16, info []byte) {
	r.sent = append(r.sent, append([]byte(nil), info...))
}

func (r *recordingTx) last() *pppcp.Packet {
	if len(r.sent) == 0 {
		return nil
	}
	pkt, ok := pppcp.ParsePacket(r.sent[len(r.sent)-1])
	if !ok {
		return nil
	}
	return pkt
}

// testDriver is a minimal LCP-shaped driver: it always accepts the peer's
// options and records lifecycle hook calls.
type testDriver struct {
	pppcp.BaseDriver
	upCalled     int
	downCalled   int
	startedCalls int
}

func (d *testDriver) Proto() uint16         { return 0xc021 }
func (d *testDriver) Name() string          { return "test" }
func (d *testDriver) SupportedCodes() uint16 {
	return 1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<7 | 1<<9 | 1<<10
}
func (d *testDriver) ThisLayerUp(*pppcp.FSM)      { d.upCalled++ }
func (d *testDriver) ThisLayerDown(*pppcp.FSM)    { d.downCalled++ }
func (d *testDriver) ThisLayerStarted(*pppcp.FSM) { d.startedCalls++ }
func (d *testDriver) RCR(*pppcp.FSM, *pppcp.Packet) (pppcp.RCRResult, []byte) {
	return pppcp.RCRAccept, nil
}

func newTestFSM(t *testing.T) (*pppcp.FSM, *testDriver, *recordingTx) {
	t.Helper()
	loop := reactor.New(8)
	t.Cleanup(loop.Close)
	driver := &testDriver{}
	tx := &recordingTx{}
	f := pppcp.New(driver, tx, loop, false, 0, nil)
	return f, driver, tx
}

func TestOpenFromInitialSendsConfigureRequestOnUp(t *testing.T) {
	f, driver, tx := newTestFSM(t)

	f.Open()
	assert.Equal(t, pppcp.StateStarting, f.State())
	assert.Equal(t, 1, driver.startedCalls)
	assert.Empty(t, tx.sent, "no Configure-Request until the lower layer is Up")

	f.Up()
	assert.Equal(t, pppcp.StateReqSent, f.State())
	require.Len(t, tx.sent, 1)
	assert.Equal(t, pppcp.CodeConfigureRequest, tx.last().Code)
}

func TestPeerAckOfOurConfigureRequestMovesToAckRcvd(t *testing.T) {
	f, driver, tx := newTestFSM(t)

	f.Open()
	f.Up()
	require.Equal(t, pppcp.StateReqSent, f.State())
	require.Len(t, tx.sent, 1)

	sentReq, ok := pppcp.ParsePacket(tx.sent[0])
	require.True(t, ok)

	ack := encodeTestAck(t, sentReq)
	f.ProcessPacket(ack)

	assert.Equal(t, pppcp.StateAckRcvd, f.State())
	assert.Zero(t, driver.upCalled)
}

func TestReceivingPeerConfigureRequestThenOurAckOpensLink(t *testing.T) {
	f, driver, tx := newTestFSM(t)

	f.Open()
	f.Up()
	require.Equal(t, pppcp.StateReqSent, f.State())

	peerReq := encodeRaw(t, pppcp.CodeConfigureRequest, 7, nil)
	f.ProcessPacket(peerReq)
	assert.Equal(t, pppcp.StateAckSent, f.State())

	require.GreaterOrEqual(t, len(tx.sent), 2)
	ackToUs := encodeTestAck(t, mustParse(t, tx.sent[len(tx.sent)-2]))
	f.ProcessPacket(ackToUs)

	assert.Equal(t, pppcp.StateOpened, f.State())
	assert.Equal(t, 1, driver.upCalled)
}

func TestCloseFromOpenedSendsTerminateRequest(t *testing.T) {
	f, _, tx := newTestFSM(t)

	f.Open()
	f.Up()
	peerReq := encodeRaw(t, pppcp.CodeConfigureRequest, 1, nil)
	f.ProcessPacket(peerReq)
	ack := encodeTestAck(t, mustParse(t, tx.sent[len(tx.sent)-2]))
	f.ProcessPacket(ack)
	require.Equal(t, pppcp.StateOpened, f.State())

	f.Close()
	assert.Equal(t, pppcp.StateClosing, f.State())
	last := tx.last()
	require.NotNil(t, last)
	assert.Equal(t, pppcp.CodeTerminateRequest, last.Code)
}

func TestUnsupportedCodeGeneratesCodeReject(t *testing.T) {
	f, _, tx := newTestFSM(t)
	f.Open()
	f.Up()

	unsupported := encodeRaw(t, pppcp.Code(99), 3, []byte{0xAA})
	f.ProcessPacket(unsupported)

	last := tx.last()
	require.NotNil(t, last)
	assert.Equal(t, pppcp.CodeCodeReject, last.Code)
}

func encodeRaw(t *testing.T, code pppcp.Code, id byte, data []byte) []byte {
	t.Helper()
	buf := make([]byte, 4+len(data))
	buf[0] = byte(code)
	buf[1] = id
	buf[2] = byte(len(buf) >> 8)
	buf[3] = byte(len(buf))
	copy(buf[4:], data)
	return buf
}

func mustParse(t *testing.T, raw []byte) *pppcp.Packet {
	t.Helper()
	pkt, ok := pppcp.ParsePacket(raw)
	require.True(t, ok)
	return pkt
}

func encodeTestAck(t *testing.T, request *pppcp.Packet) []byte {
	t.Helper()
	return encodeRaw(t, pppcp.CodeConfigureAck, request.Identifier, request.Data)
}
