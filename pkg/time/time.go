// Package time implements the CANopen TIME protocol (CiA 301 §7.2.6): a
// single 6-byte TIME_OF_DAY frame, optionally produced on an interval and/or
// consumed to update a local clock.
package time

import (
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// TIME produces and/or consumes the CANopen TIME_OF_DAY message on its
// configured COB-ID (object 0x1012).
type TIME struct {
	bus *conode.BusManager
	log *log.Entry

	mu           sync.Mutex
	cobId        uint32
	isConsumer   bool
	isProducer   bool
	internalTime time.Time
	interval     time.Duration
	timer        *time.Timer
	cancelRx     func()
	running      bool
}

// NewTIME builds a TIME engine from the object dictionary's 0x1012 entry.
// interval is the producer period; it is ignored when this device is not
// configured as a producer.
func NewTIME(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8, interval time.Duration) (*TIME, error) {
	cobIdVar, err := dict.Variable(od.EntryCobIdTIME, 0)
	if err != nil {
		return nil, err
	}
	v, err := cobIdVar.Value()
	if err != nil {
		return nil, err
	}
	raw, _ := v.(uint64)

	t := &TIME{
		bus:          bus,
		log:          log.WithField("component", "time"),
		isConsumer:   raw&0x80000000 != 0,
		isProducer:   raw&0x40000000 != 0,
		cobId:        conode.DefaultCobId(uint32(raw)&0x7FF, nodeId),
		internalTime: time.Now(),
		interval:     interval,
	}
	return t, nil
}

// Start subscribes as a consumer and/or begins producing.
func (t *TIME) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	if t.isConsumer {
		cancel, err := t.bus.Subscribe(t.cobId, conode.FrameListenerFunc(t.handle))
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.cancelRx = cancel
		t.mu.Unlock()
	}
	if t.isProducer && t.interval > 0 {
		t.resetTimer()
	}
	return nil
}

// Stop cancels the consumer subscription and the producer timer.
func (t *TIME) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.cancelRx != nil {
		t.cancelRx()
		t.cancelRx = nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *TIME) handle(frame conode.Frame) {
	if frame.DLC != 6 {
		return
	}
	value, err := od.Decode(frame.Data[:6], od.TIME_OF_DAY)
	if err != nil {
		return
	}
	internal, ok := value.(time.Time)
	if !ok {
		return
	}
	t.mu.Lock()
	t.internalTime = internal
	t.mu.Unlock()
	t.log.WithField("time", internal).Debug("updated internal time from TIME frame")
}

func (t *TIME) resetTimer() {
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.produce)
	} else {
		t.timer.Reset(t.interval)
	}
}

func (t *TIME) produce() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	raw, err := od.Encode(t.internalTime, od.TIME_OF_DAY)
	t.mu.Unlock()
	if err != nil {
		t.log.WithError(err).Warn("failed to encode TIME frame")
		return
	}

	frame := conode.NewFrame(t.cobId, 6)
	copy(frame.Data[:6], raw)
	if err := t.bus.Send(frame); err != nil {
		t.log.WithError(err).Warn("failed to send TIME")
	}

	t.mu.Lock()
	t.resetTimer()
	t.mu.Unlock()
}

// SetInternalTime overrides the clock used as the producer's source and as
// the last value reported by InternalTime.
func (t *TIME) SetInternalTime(value time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.internalTime = value
}

// InternalTime returns the last known time: either locally set, or the last
// value received from the bus if this device is a consumer.
func (t *TIME) InternalTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.internalTime
}

// IsProducer reports whether 0x1012 configured this device to produce TIME.
func (t *TIME) IsProducer() bool { return t.isProducer }

// IsConsumer reports whether 0x1012 configured this device to consume TIME.
func (t *TIME) IsConsumer() bool { return t.isConsumer }
