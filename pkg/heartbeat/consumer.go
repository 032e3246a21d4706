// Package heartbeat implements the CANopen heartbeat consumer (CiA 301
// §7.2.9.3): supervision of remote nodes' NMT state via their periodic
// heartbeat, with a per-node timeout.
package heartbeat

import (
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/nmt"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// TimeoutCallback is notified when a monitored node's heartbeat does not
// arrive within its configured interval.
type TimeoutCallback func(producerId uint8, record Record)

// Record is the supervision state tracked for one monitored node.
type Record struct {
	ProducerId uint8
	IntervalMs uint32
	LastState  uint8
}

type entry struct {
	mu       sync.Mutex
	record   Record
	timer    *time.Timer
	cancelRx func()
}

// Consumer monitors the set of remote nodes configured in object 0x1016.
type Consumer struct {
	bus *conode.BusManager
	log *log.Entry

	mu       sync.Mutex
	entries  []*entry
	onTimeout TimeoutCallback
}

// NewConsumer builds a Consumer from the 0x1016 consumer heartbeat time
// array: each sub-index encodes bits 0..15 = interval ms, bits 16..23 =
// producer node-id. A sub-entry with node-id 0 or interval 0 is unconfigured
// and never monitored.
func NewConsumer(bus *conode.BusManager, dict *od.ObjectDictionary) (*Consumer, error) {
	c := &Consumer{bus: bus, log: log.WithField("component", "heartbeat-consumer")}

	hbEntry, err := dict.Entry(od.EntryConsumerHeartbeatTime)
	if err != nil {
		return c, nil
	}
	for i := uint8(1); i <= hbEntry.MaxSubIndex(); i++ {
		variable, err := hbEntry.Sub(i)
		if err != nil {
			continue
		}
		v, err := variable.Value()
		if err != nil {
			continue
		}
		raw, _ := v.(uint64)
		producerId := uint8(raw >> 16)
		intervalMs := uint32(raw & 0xFFFF)
		if producerId == 0 || intervalMs == 0 {
			continue
		}
		c.entries = append(c.entries, &entry{record: Record{ProducerId: producerId, IntervalMs: intervalMs}})
	}
	return c, nil
}

// OnTimeout registers the callback invoked when a monitored node's
// heartbeat expires.
func (c *Consumer) OnTimeout(cb TimeoutCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTimeout = cb
}

// Start subscribes to every monitored node's heartbeat COB-ID. The timeout
// timer is armed only once the first heartbeat from that node arrives.
func (c *Consumer) Start() error {
	c.mu.Lock()
	entries := append([]*entry(nil), c.entries...)
	c.mu.Unlock()

	for _, e := range entries {
		e := e
		cobId := conode.CobIdHeartbeat + uint32(e.record.ProducerId)
		cancel, err := c.bus.Subscribe(cobId, conode.FrameListenerFunc(func(frame conode.Frame) {
			c.handle(e, frame)
		}))
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.cancelRx = cancel
		e.mu.Unlock()
	}
	return nil
}

// Stop cancels every subscription and pending timer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	entries := append([]*entry(nil), c.entries...)
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.cancelRx != nil {
			e.cancelRx()
			e.cancelRx = nil
		}
		e.mu.Unlock()
	}
}

// Records returns a snapshot of every monitored node's current supervision
// state.
func (c *Consumer) Records() []Record {
	c.mu.Lock()
	entries := append([]*entry(nil), c.entries...)
	c.mu.Unlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.record)
		e.mu.Unlock()
	}
	return out
}

func (c *Consumer) handle(e *entry, frame conode.Frame) {
	if frame.DLC != 1 {
		return
	}
	e.mu.Lock()
	e.record.LastState = frame.Data[0]
	interval := time.Duration(e.record.IntervalMs) * time.Millisecond
	if e.timer == nil {
		e.timer = time.AfterFunc(interval, func() { c.timeout(e) })
	} else {
		e.timer.Reset(interval)
	}
	e.mu.Unlock()
}

func (c *Consumer) timeout(e *entry) {
	e.mu.Lock()
	record := e.record
	e.mu.Unlock()

	c.log.WithFields(log.Fields{"producerId": record.ProducerId, "lastState": nmt.StateName(record.LastState)}).Warn("heartbeat timeout")

	c.mu.Lock()
	cb := c.onTimeout
	c.mu.Unlock()
	if cb != nil {
		cb(record.ProducerId, record)
	}
}
