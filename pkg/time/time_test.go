package time

import (
	"testing"
	"time"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/virtual"
	"github.com/canopen-go/conode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func newTimeDict(t *testing.T, cobIdFlags uint32) *od.ObjectDictionary {
	t.Helper()
	dict := od.NewObjectDictionary(nil)
	cobIdVar := od.NewVariable(od.EntryCobIdTIME, 0, "COB-ID TIME", od.UNSIGNED32, od.AccessRW, nil)
	raw, err := od.Encode(cobIdFlags|0x100, od.UNSIGNED32)
	assert.Nil(t, err)
	assert.Nil(t, cobIdVar.Write(raw))
	assert.Nil(t, dict.AddEntry(od.NewVarEntry(od.EntryCobIdTIME, "COB-ID TIME", cobIdVar)))
	return dict
}

func TestTIMEProducerConsumerRoundTrip(t *testing.T) {
	channel := t.Name()
	producerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	consumerBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)

	producerMgr := conode.NewBusManager(producerBus, nil)
	consumerMgr := conode.NewBusManager(consumerBus, nil)
	assert.Nil(t, producerMgr.Connect())
	assert.Nil(t, consumerMgr.Connect())

	producerDict := newTimeDict(t, 0x40000000)
	producer, err := NewTIME(producerMgr, producerDict, 1, 10*time.Millisecond)
	assert.Nil(t, err)
	assert.True(t, producer.IsProducer())
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	producer.SetInternalTime(stamp)
	assert.Nil(t, producer.Start())
	defer producer.Stop()

	consumerDict := newTimeDict(t, 0x80000000)
	consumer, err := NewTIME(consumerMgr, consumerDict, 1, 0)
	assert.Nil(t, err)
	assert.True(t, consumer.IsConsumer())
	assert.Nil(t, consumer.Start())
	defer consumer.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if consumer.InternalTime().Unix() == stamp.Unix() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("consumer never observed producer's TIME frame")
}
