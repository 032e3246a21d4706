package lss

import (
	"context"
	"testing"
	"time"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/virtual"
	"github.com/canopen-go/conode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func newIdentityDict(t *testing.T, addr Address) *od.ObjectDictionary {
	t.Helper()
	dict := od.NewObjectDictionary(nil)
	entry, err := dict.Entry(od.EntryIdentityObject)
	assert.Nil(t, err)
	values := map[uint8]uint32{1: addr.VendorId, 2: addr.ProductCode, 3: addr.RevisionNumber, 4: addr.SerialNumber}
	for sub, value := range values {
		variable, err := entry.Sub(sub)
		assert.Nil(t, err)
		raw, err := od.Encode(value, od.UNSIGNED32)
		assert.Nil(t, err)
		assert.Nil(t, variable.ForceWrite(raw))
	}
	return dict
}

func newPair(t *testing.T, addr Address, nodeId uint8) (*Master, *Slave) {
	t.Helper()
	channel := t.Name()
	masterBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	slaveBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	masterMgr := conode.NewBusManager(masterBus, nil)
	slaveMgr := conode.NewBusManager(slaveBus, nil)
	assert.Nil(t, masterMgr.Connect())
	assert.Nil(t, slaveMgr.Connect())

	master := NewMaster(masterMgr, 200*time.Millisecond)
	assert.Nil(t, master.Start())

	slave, err := NewSlave(slaveMgr, newIdentityDict(t, addr), nodeId, nil)
	assert.Nil(t, err)
	assert.Nil(t, slave.Start())

	return master, slave
}

func TestSwitchModeGlobalEntersConfiguration(t *testing.T) {
	master, slave := newPair(t, Address{1, 2, 3, 4}, NodeIdUnconfigured)
	defer master.Stop()
	defer slave.Stop()

	assert.Equal(t, StateWaiting, slave.State())
	assert.Nil(t, master.SwitchModeGlobal(ModeConfiguration))
	assert.Eventually(t, func() bool { return slave.State() == StateConfiguration }, time.Second, 5*time.Millisecond)
}

func TestSwitchModeSelectiveAndConfigureNodeId(t *testing.T) {
	addr := Address{VendorId: 10, ProductCode: 20, RevisionNumber: 30, SerialNumber: 40}
	master, slave := newPair(t, addr, NodeIdUnconfigured)
	defer master.Stop()
	defer slave.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Nil(t, master.SwitchModeSelective(ctx, addr))
	assert.Equal(t, StateConfiguration, slave.State())

	assert.Nil(t, master.ConfigureNodeId(ctx, 42))
	assert.Equal(t, uint8(42), slave.nodeId)

	got, err := master.InquireNodeId(ctx)
	assert.Nil(t, err)
	assert.Equal(t, uint8(42), got)

	identity, err := master.InquireIdentity(ctx)
	assert.Nil(t, err)
	assert.Equal(t, addr, identity)
}

func TestSwitchModeSelectiveMismatchDoesNotSelect(t *testing.T) {
	addr := Address{VendorId: 10, ProductCode: 20, RevisionNumber: 30, SerialNumber: 40}
	master, slave := newPair(t, addr, NodeIdUnconfigured)
	defer master.Stop()
	defer slave.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	other := Address{VendorId: 99, ProductCode: 20, RevisionNumber: 30, SerialNumber: 40}
	err := master.SwitchModeSelective(ctx, other)
	assert.NotNil(t, err)
	assert.Equal(t, StateWaiting, slave.State())
}

func TestFastscanFindsSingleSlave(t *testing.T) {
	addr := Address{VendorId: 0x11, ProductCode: 0x22, RevisionNumber: 0x33, SerialNumber: 0x44}
	master, slave := newPair(t, addr, NodeIdUnconfigured)
	defer master.Stop()
	defer slave.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found, err := master.Fastscan(ctx, 20*time.Millisecond)
	assert.Nil(t, err)
	assert.Equal(t, addr, found)
	assert.Equal(t, StateConfiguration, slave.State())
}
