package nmt

import (
	"testing"
	"time"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/virtual"
	"github.com/canopen-go/conode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func newDict(t *testing.T, producerMs uint32) *od.ObjectDictionary {
	t.Helper()
	dict := od.NewObjectDictionary(nil)
	v := od.NewVariable(od.EntryProducerHeartbeatTime, 0, "producer heartbeat time", od.UNSIGNED32, od.AccessRW, nil)
	raw, _ := od.Encode(producerMs, od.UNSIGNED32)
	assert.Nil(t, v.Write(raw))
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(od.EntryProducerHeartbeatTime, "producer heartbeat time", v)))
	return dict
}

func TestNMTStartEntersPreOperationalAndSendsHeartbeat(t *testing.T) {
	channel := t.Name()
	nodeBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	observerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	nodeMgr := conode.NewBusManager(nodeBus, nil)
	observerMgr := conode.NewBusManager(observerBus, nil)
	assert.Nil(t, nodeMgr.Connect())
	assert.Nil(t, observerMgr.Connect())

	dict := newDict(t, 0)
	node, err := NewNMT(nodeMgr, dict, 5, 0)
	assert.Nil(t, err)

	received := make(chan conode.Frame, 8)
	cancel, err := observerMgr.Subscribe(conode.CobIdHeartbeat+5, conode.FrameListenerFunc(func(f conode.Frame) {
		received <- f
	}))
	assert.Nil(t, err)
	defer cancel()

	assert.Nil(t, node.Start())
	defer node.Stop()

	select {
	case f := <-received:
		assert.Equal(t, byte(StateInitializing), f.Data[0])
	case <-time.After(time.Second):
		t.Fatal("expected boot-up heartbeat")
	}
	select {
	case f := <-received:
		assert.Equal(t, byte(StatePreOperational), f.Data[0])
	case <-time.After(time.Second):
		t.Fatal("expected pre-operational heartbeat")
	}
	assert.EqualValues(t, StatePreOperational, node.State())
}

func TestNMTCommandTransitionsAndCallback(t *testing.T) {
	channel := t.Name()
	nodeBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	masterBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	nodeMgr := conode.NewBusManager(nodeBus, nil)
	masterMgr := conode.NewBusManager(masterBus, nil)
	assert.Nil(t, nodeMgr.Connect())
	assert.Nil(t, masterMgr.Connect())

	dict := newDict(t, 0)
	node, err := NewNMT(nodeMgr, dict, 9, 0)
	assert.Nil(t, err)

	var got []uint8
	node.OnStateChange(func(newState, oldState uint8) {
		got = append(got, newState)
	})
	assert.Nil(t, node.Start())
	defer node.Stop()

	master, err := NewNMT(masterMgr, od.NewObjectDictionary(nil), 0, 0)
	assert.Nil(t, err)
	assert.Nil(t, master.SendCommand(CommandEnterOperational, 9))

	assert.Eventually(t, func() bool {
		return node.State() == StateOperational
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, got, uint8(StateOperational))
}

func TestNMTResetCallback(t *testing.T) {
	nodeBus, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	nodeMgr := conode.NewBusManager(nodeBus, nil)
	assert.Nil(t, nodeMgr.Connect())

	dict := newDict(t, 0)
	node, err := NewNMT(nodeMgr, dict, 3, 0)
	assert.Nil(t, err)

	gotReset := make(chan ResetKind, 1)
	node.OnReset(func(kind ResetKind) {
		gotReset <- kind
	})
	assert.Nil(t, node.Start())
	defer node.Stop()

	assert.Nil(t, node.SendCommand(CommandResetNode, 3))

	select {
	case kind := <-gotReset:
		assert.Equal(t, ResetNode, kind)
	case <-time.After(time.Second):
		t.Fatal("expected reset callback")
	}
}
