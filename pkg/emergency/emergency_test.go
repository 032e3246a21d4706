package emergency

import (
	"testing"
	"time"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/virtual"
	"github.com/canopen-go/conode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func newDict(t *testing.T, cobId uint32, inhibit100us uint16) *od.ObjectDictionary {
	t.Helper()
	dict := od.NewObjectDictionary(nil)

	register, err := dict.Variable(od.EntryErrorRegister, 0)
	assert.Nil(t, err)
	_ = register

	cobIdVar := od.NewVariable(od.EntryCobIdEMCY, 0, "COB-ID EMCY", od.UNSIGNED32, od.AccessRW, nil)
	raw, _ := od.Encode(cobId, od.UNSIGNED32)
	assert.Nil(t, cobIdVar.Write(raw))
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(od.EntryCobIdEMCY, "COB-ID EMCY", cobIdVar)))

	inhibitVar := od.NewVariable(od.EntryInhibitTimeEMCY, 0, "inhibit time EMCY", od.UNSIGNED16, od.AccessRW, nil)
	raw, _ = od.Encode(inhibit100us, od.UNSIGNED16)
	assert.Nil(t, inhibitVar.Write(raw))
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(od.EntryInhibitTimeEMCY, "inhibit time EMCY", inhibitVar)))

	errField := []*od.Variable{
		od.NewVariable(od.EntryPredefinedErrorField, 0, "number of errors", od.UNSIGNED8, od.AccessRW, []byte{0}),
		od.NewVariable(od.EntryPredefinedErrorField, 1, "standard error field", od.UNSIGNED32, od.AccessRO, []byte{0, 0, 0, 0}),
		od.NewVariable(od.EntryPredefinedErrorField, 2, "standard error field", od.UNSIGNED32, od.AccessRO, []byte{0, 0, 0, 0}),
	}
	assert.Nil(t, dict.AddEntry(od.NewAggregateEntry(od.EntryPredefinedErrorField, "pre-defined error field", od.ObjectTypeARRAY, errField)))

	return dict
}

func TestEMCYProducerConsumerRoundTrip(t *testing.T) {
	channel := t.Name()
	producerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	consumerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	producerMgr := conode.NewBusManager(producerBus, nil)
	consumerMgr := conode.NewBusManager(consumerBus, nil)
	assert.Nil(t, producerMgr.Connect())
	assert.Nil(t, consumerMgr.Connect())

	producerDict := newDict(t, 0x80, 0)
	producer, err := NewEMCY(producerMgr, producerDict, 5)
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	defer producer.Stop()

	consumerDict := newDict(t, 0x80, 0)
	consumer, err := NewEMCY(consumerMgr, consumerDict, 5)
	assert.Nil(t, err)
	gotEvent := make(chan Event, 4)
	consumer.OnEvent(func(ev Event) { gotEvent <- ev })
	assert.Nil(t, consumer.Start())
	defer consumer.Stop()

	assert.Nil(t, producer.Write(0x1000, []byte{0xAA}))

	select {
	case ev := <-gotEvent:
		assert.EqualValues(t, 0x1000, ev.Code)
		assert.Equal(t, byte(0xAA), ev.Info[0])
	case <-time.After(time.Second):
		t.Fatal("expected emergency event")
	}

	assert.Eventually(t, func() bool {
		field, err := consumerDict.Entry(od.EntryPredefinedErrorField)
		if err != nil {
			return false
		}
		sub1, err := field.Sub(1)
		if err != nil {
			return false
		}
		v, err := sub1.Value()
		return err == nil && v.(uint64) == 0x1000
	}, time.Second, 10*time.Millisecond)
}

func TestEMCYRejectsOversizedInfo(t *testing.T) {
	bus, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	mgr := conode.NewBusManager(bus, nil)
	assert.Nil(t, mgr.Connect())

	dict := newDict(t, 0x80, 0)
	e, err := NewEMCY(mgr, dict, 1)
	assert.Nil(t, err)
	assert.NotNil(t, e.Write(0x1000, []byte{1, 2, 3, 4, 5, 6}))
}

func TestEMCYRejectsInvalidCobId(t *testing.T) {
	bus, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	mgr := conode.NewBusManager(bus, nil)
	assert.Nil(t, mgr.Connect())

	dict := newDict(t, 0x80000080, 0)
	_, err = NewEMCY(mgr, dict, 1)
	assert.NotNil(t, err)
}
