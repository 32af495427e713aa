package pap_test

import (
	"testing"
	"time"

	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/daedaluz/gatmux/ppp/pap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct{ sent [][]byte }

func (t *fakeTx) Transmit(proto uint16, info []byte) {
	t.sent = append(t.sent, append([]byte(nil), info...))
}

type fakeNotifier struct {
	done    chan bool
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{done: make(chan bool, 1)} }
func (f *fakeNotifier) AuthResult(success bool) { f.done <- success }

func TestStartSendsAuthenticateRequestWithUsernameAndPassword(t *testing.T) {
	loop := reactor.New(4)
	defer loop.Close()
	tx := &fakeTx{}
	notifier := newFakeNotifier()
	h := pap.New(tx, notifier, loop, "bob", "hunter2")

	h.Start()
	require.Len(t, tx.sent, 1)
	req := tx.sent[0]
	assert.Equal(t, byte(pap.CodeAuthenticateRequest), req[0])
	nameLen := int(req[4])
	assert.Equal(t, "bob", string(req[5:5+nameLen]))
	pwLen := int(req[5+nameLen])
	assert.Equal(t, "hunter2", string(req[6+nameLen:6+nameLen+pwLen]))
}

func TestAckNotifiesSuccess(t *testing.T) {
	loop := reactor.New(4)
	defer loop.Close()
	tx := &fakeTx{}
	notifier := newFakeNotifier()
	h := pap.New(tx, notifier, loop, "bob", "hunter2")
	h.Start()

	h.ProcessPacket([]byte{byte(pap.CodeAuthenticateAck), 1, 0, 4})

	select {
	case result := <-notifier.done:
		assert.True(t, result)
	case <-time.After(time.Second):
		t.Fatal("AuthResult never called")
	}
}
