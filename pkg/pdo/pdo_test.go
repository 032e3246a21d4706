package pdo

import (
	"testing"
	"time"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/virtual"
	"github.com/canopen-go/conode/pkg/od"
	syncpkg "github.com/canopen-go/conode/pkg/sync"
	"github.com/stretchr/testify/assert"
)

func mappingWord(index uint16, sub uint8, bitLength uint8) uint32 {
	return uint32(index)<<16 | uint32(sub)<<8 | uint32(bitLength)
}

func u32Var(index uint16, sub uint8, name string, value uint32, access od.AccessType) *od.Variable {
	v := od.NewVariable(index, sub, name, od.UNSIGNED32, access, nil)
	raw, _ := od.Encode(value, od.UNSIGNED32)
	_ = v.ForceWrite(raw)
	return v
}

func u8Var(index uint16, sub uint8, name string, value uint8, access od.AccessType) *od.Variable {
	v := od.NewVariable(index, sub, name, od.UNSIGNED8, access, nil)
	_ = v.ForceWrite([]byte{value})
	return v
}

// buildTPDOSetup populates a dictionary with a mapped u8 entry 0x2100 and a
// TPDO communication/mapping pair at commIndex/mapIndex.
func buildTPDOSetup(t *testing.T, commIndex, mapIndex uint16, cobId uint32, transmissionType uint8, inhibit uint16, eventTimer uint16) *od.ObjectDictionary {
	t.Helper()
	dict := od.NewObjectDictionary(nil)

	payload := od.NewVariable(0x2100, 0, "payload", od.UNSIGNED8, od.AccessRW, []byte{0})
	payload.SetPDOMappable(true)
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(0x2100, "payload", payload)))

	commSubs := []*od.Variable{
		u32Var(commIndex, 0, "highest sub-index supported", 6, od.AccessConst),
		u32Var(commIndex, 1, "COB-ID", cobId, od.AccessRW),
		u8Var(commIndex, 2, "transmission type", transmissionType, od.AccessRW),
		u32Var(commIndex, 3, "inhibit time", uint32(inhibit), od.AccessRW),
		u32Var(commIndex, 4, "reserved", 0, od.AccessRW),
		u32Var(commIndex, 5, "event timer", uint32(eventTimer), od.AccessRW),
		u32Var(commIndex, 6, "sync start value", 0, od.AccessRW),
	}
	assert.Nil(t, dict.AddEntry(od.NewAggregateEntry(commIndex, "TPDO comm", od.ObjectTypeRECORD, commSubs)))

	mapSubs := []*od.Variable{
		u32Var(mapIndex, 0, "number of mapped objects", 1, od.AccessRW),
		u32Var(mapIndex, 1, "mapped object 1", mappingWord(0x2100, 0, 8), od.AccessRW),
	}
	assert.Nil(t, dict.AddEntry(od.NewAggregateEntry(mapIndex, "TPDO mapping", od.ObjectTypeRECORD, mapSubs)))
	return dict
}

func TestTPDOSyncCyclicSend(t *testing.T) {
	channel := t.Name()
	tpdoBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	observerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	tpdoMgr := conode.NewBusManager(tpdoBus, nil)
	observerMgr := conode.NewBusManager(observerBus, nil)
	assert.Nil(t, tpdoMgr.Connect())
	assert.Nil(t, observerMgr.Connect())

	dict := buildTPDOSetup(t, 0x1800, 0x1A00, 0x180, 1, 0, 0)
	commEntry, err := dict.Entry(0x1800)
	assert.Nil(t, err)
	mapEntry, err := dict.Entry(0x1A00)
	assert.Nil(t, err)

	syncDict := od.NewObjectDictionary(nil)
	cobIdSync := od.NewVariable(od.EntryCobIdSYNC, 0, "COB-ID SYNC", od.UNSIGNED32, od.AccessRW, nil)
	raw, _ := od.Encode(uint32(0x80|0x40000000), od.UNSIGNED32)
	assert.Nil(t, cobIdSync.Write(raw))
	assert.Nil(t, syncDict.AddEntry(od.NewVarEntry(od.EntryCobIdSYNC, "COB-ID SYNC", cobIdSync)))
	period := od.NewVariable(od.EntryCommunicationCyclePeriod, 0, "period", od.UNSIGNED32, od.AccessRW, nil)
	raw, _ = od.Encode(uint32(5000), od.UNSIGNED32)
	assert.Nil(t, period.Write(raw))
	assert.Nil(t, syncDict.AddEntry(od.NewVarEntry(od.EntryCommunicationCyclePeriod, "period", period)))

	syncEngine, err := syncpkg.NewSYNC(tpdoMgr, syncDict, 1)
	assert.Nil(t, err)
	assert.Nil(t, syncEngine.Start())
	defer syncEngine.Stop()

	tpdo, err := NewTPDO(tpdoMgr, dict, commEntry, mapEntry, 0x180, 1, syncEngine)
	assert.Nil(t, err)
	assert.Nil(t, tpdo.Start())
	defer tpdo.Stop()

	received := make(chan conode.Frame, 4)
	cancel, err := observerMgr.Subscribe(0x181, conode.FrameListenerFunc(func(f conode.Frame) {
		received <- f
	}))
	assert.Nil(t, err)
	defer cancel()

	select {
	case f := <-received:
		assert.EqualValues(t, 1, f.DLC)
	case <-time.After(time.Second):
		t.Fatal("expected a TPDO frame after SYNC")
	}
}

func TestTPDOEventDrivenSendsOnChange(t *testing.T) {
	bus, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	observerBus, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	mgr := conode.NewBusManager(bus, nil)
	observerMgr := conode.NewBusManager(observerBus, nil)
	assert.Nil(t, mgr.Connect())
	assert.Nil(t, observerMgr.Connect())

	dict := buildTPDOSetup(t, 0x1800, 0x1A00, 0x180, TransmissionTypeEventLo, 0, 0)
	commEntry, _ := dict.Entry(0x1800)
	mapEntry, _ := dict.Entry(0x1A00)

	tpdo, err := NewTPDO(mgr, dict, commEntry, mapEntry, 0x180, 1, nil)
	assert.Nil(t, err)
	assert.Nil(t, tpdo.Start())
	defer tpdo.Stop()

	received := make(chan conode.Frame, 4)
	cancel, err := observerMgr.Subscribe(0x181, conode.FrameListenerFunc(func(f conode.Frame) {
		received <- f
	}))
	assert.Nil(t, err)
	defer cancel()

	variable, err := dict.Variable(0x2100, 0)
	assert.Nil(t, err)
	assert.Nil(t, variable.WriteValue(uint8(42)))

	select {
	case f := <-received:
		assert.Equal(t, byte(42), f.Data[0])
	case <-time.After(time.Second):
		t.Fatal("expected a TPDO frame after value change")
	}
}

func TestRPDOConsumerCopiesAsyncFrame(t *testing.T) {
	channel := t.Name()
	producerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	rpdoBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	producerMgr := conode.NewBusManager(producerBus, nil)
	rpdoMgr := conode.NewBusManager(rpdoBus, nil)
	assert.Nil(t, producerMgr.Connect())
	assert.Nil(t, rpdoMgr.Connect())

	dict := od.NewObjectDictionary(nil)
	payload := od.NewVariable(0x2200, 0, "payload", od.UNSIGNED8, od.AccessRW, []byte{0})
	payload.SetPDOMappable(true)
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(0x2200, "payload", payload)))

	commSubs := []*od.Variable{
		u32Var(0x1400, 0, "highest sub-index supported", 5, od.AccessConst),
		u32Var(0x1400, 1, "COB-ID", 0x200, od.AccessRW),
		u8Var(0x1400, 2, "transmission type", TransmissionTypeEventLo, od.AccessRW),
		u32Var(0x1400, 3, "reserved", 0, od.AccessRW),
		u32Var(0x1400, 5, "event timer", 0, od.AccessRW),
	}
	assert.Nil(t, dict.AddEntry(od.NewAggregateEntry(0x1400, "RPDO comm", od.ObjectTypeRECORD, commSubs)))
	mapSubs := []*od.Variable{
		u32Var(0x1600, 0, "number of mapped objects", 1, od.AccessRW),
		u32Var(0x1600, 1, "mapped object 1", mappingWord(0x2200, 0, 8), od.AccessRW),
	}
	assert.Nil(t, dict.AddEntry(od.NewAggregateEntry(0x1600, "RPDO mapping", od.ObjectTypeRECORD, mapSubs)))

	commEntry, err := dict.Entry(0x1400)
	assert.Nil(t, err)
	mapEntry, err := dict.Entry(0x1600)
	assert.Nil(t, err)

	var gotUpdate []*od.Variable
	done := make(chan struct{}, 1)
	rpdo, err := NewRPDO(rpdoMgr, dict, commEntry, mapEntry, 0x200, 1, nil, func(updated []*od.Variable, cobId uint32) {
		gotUpdate = updated
		done <- struct{}{}
	})
	assert.Nil(t, err)
	assert.Nil(t, rpdo.Start())
	defer rpdo.Stop()

	frame := conode.NewFrame(0x201, 1)
	frame.Data[0] = 99
	assert.Nil(t, producerMgr.Send(frame))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RPDO update callback")
	}
	assert.Len(t, gotUpdate, 1)
	v, err := dict.Variable(0x2200, 0)
	assert.Nil(t, err)
	raw, err := v.Value()
	assert.Nil(t, err)
	assert.EqualValues(t, 99, raw)
}
