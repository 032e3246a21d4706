package node

import (
	"testing"
	"time"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/virtual"
	"github.com/canopen-go/conode/pkg/nmt"
	"github.com/canopen-go/conode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func newDict(t *testing.T) *od.ObjectDictionary {
	t.Helper()
	dict := od.NewObjectDictionary(nil)

	cobIdEmcy := od.NewVariable(od.EntryCobIdEMCY, 0, "COB-ID EMCY", od.UNSIGNED32, od.AccessRW, nil)
	raw, _ := od.Encode(uint32(0x080), od.UNSIGNED32)
	assert.Nil(t, cobIdEmcy.Write(raw))
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(od.EntryCobIdEMCY, "COB-ID EMCY", cobIdEmcy)))

	hbTime := od.NewVariable(od.EntryProducerHeartbeatTime, 0, "producer heartbeat time", od.UNSIGNED16, od.AccessRW, nil)
	raw, _ = od.Encode(uint16(0), od.UNSIGNED16)
	assert.Nil(t, hbTime.Write(raw))
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(od.EntryProducerHeartbeatTime, "producer heartbeat time", hbTime)))

	return dict
}

func TestDeviceStartSendsBootUpHeartbeat(t *testing.T) {
	channel := t.Name()
	deviceBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	observerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	deviceMgr := conode.NewBusManager(deviceBus, nil)
	observerMgr := conode.NewBusManager(observerBus, nil)
	assert.Nil(t, deviceMgr.Connect())
	assert.Nil(t, observerMgr.Connect())

	got := make(chan conode.Frame, 4)
	_, err = observerMgr.Subscribe(conode.CobIdHeartbeat+9, conode.FrameListenerFunc(func(f conode.Frame) { got <- f }))
	assert.Nil(t, err)

	dev, err := New(deviceMgr, newDict(t), 9, Config{}, nil)
	assert.Nil(t, err)
	assert.Nil(t, dev.Start())
	defer dev.Stop()

	select {
	case f := <-got:
		assert.Equal(t, byte(nmt.StateInitializing), f.Data[0])
	case <-time.After(time.Second):
		t.Fatal("expected a boot-up heartbeat")
	}

	assert.Eventually(t, func() bool {
		return dev.NMT.State() == nmt.StatePreOperational
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint8(9), dev.NodeId())
}

func TestDeviceResetRebuildsEngines(t *testing.T) {
	channel := t.Name()
	deviceBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	controllerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	deviceMgr := conode.NewBusManager(deviceBus, nil)
	controllerMgr := conode.NewBusManager(controllerBus, nil)
	assert.Nil(t, deviceMgr.Connect())
	assert.Nil(t, controllerMgr.Connect())

	dev, err := New(deviceMgr, newDict(t), 3, Config{}, nil)
	assert.Nil(t, err)
	assert.Nil(t, dev.Start())
	defer dev.Stop()

	oldNMT := dev.NMT
	frame := conode.NewFrame(conode.CobIdNMT, 2)
	frame.Data[0] = uint8(nmt.CommandResetCommunication)
	frame.Data[1] = 3
	assert.Nil(t, controllerMgr.Send(frame))

	assert.Eventually(t, func() bool {
		return dev.NMT != oldNMT
	}, time.Second, 5*time.Millisecond)
}
