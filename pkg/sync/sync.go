// Package sync implements the CANopen SYNC protocol (CiA 301 §7.2.5): a
// periodic producer and a consumer that fans out each tick's counter value
// to interested subscribers (TPDO/RPDO mapping groups).
package sync

import (
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

type subscriber struct {
	id int
	ch chan uint8
}

// SYNC produces or consumes the CANopen SYNC message on its configured
// COB-ID (object 0x1005), at the period configured by 0x1006 (communication
// cycle period, µs), with an optional overflow counter from 0x1019.
type SYNC struct {
	bus *conode.BusManager
	log *log.Entry

	mu              sync.Mutex
	cobId           uint32
	isProducer      bool
	periodUs        uint32
	counterOverflow uint8
	counter         uint8
	subs            []subscriber
	nextSubId       int

	cancelRx func()
	stopCh   chan struct{}
	running  bool
}

// NewSYNC builds a SYNC engine from the object dictionary's 0x1005/0x1006/
// 0x1019 entries.
func NewSYNC(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8) (*SYNC, error) {
	s := &SYNC{bus: bus, log: log.WithField("component", "sync")}

	cobIdVar, err := dict.Variable(od.EntryCobIdSYNC, 0)
	if err != nil {
		return nil, err
	}
	cobIdVal, err := cobIdVar.Value()
	if err != nil {
		return nil, err
	}
	raw, _ := cobIdVal.(uint64)
	s.isProducer = raw&0x40000000 != 0
	s.cobId = conode.DefaultCobId(uint32(raw)&0x7FF, nodeId)

	if periodVar, err := dict.Variable(od.EntryCommunicationCyclePeriod, 0); err == nil {
		if v, err := periodVar.Value(); err == nil {
			if u, ok := v.(uint64); ok {
				s.periodUs = uint32(u)
			}
		}
	}
	if overflowVar, err := dict.Variable(od.EntrySyncCounterOverflow, 0); err == nil {
		if v, err := overflowVar.Value(); err == nil {
			if u, ok := v.(uint64); ok {
				s.counterOverflow = uint8(u)
			}
		}
	}
	return s, nil
}

// Start begins producing (if configured as producer) or consuming SYNC
// frames.
func (s *SYNC) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cancel, err := s.bus.Subscribe(s.cobId, conode.FrameListenerFunc(s.handle))
	if err != nil {
		return err
	}
	s.cancelRx = cancel
	s.running = true

	if s.isProducer && s.periodUs > 0 {
		s.stopCh = make(chan struct{})
		go s.produceLoop(s.stopCh)
	}
	return nil
}

// Stop ends production/consumption and cancels every subscription.
func (s *SYNC) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.cancelRx != nil {
		s.cancelRx()
		s.cancelRx = nil
	}
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()
}

func (s *SYNC) produceLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(s.periodUs) * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.produce()
		}
	}
}

func (s *SYNC) produce() {
	s.mu.Lock()
	s.counter++
	if s.counterOverflow > 0 && s.counter > s.counterOverflow {
		s.counter = 1
	}
	counter := s.counter
	overflow := s.counterOverflow
	s.mu.Unlock()

	frame := conode.NewFrame(s.cobId, 0)
	if overflow > 0 {
		frame.DLC = 1
		frame.Data[0] = counter
	}
	if err := s.bus.Send(frame); err != nil {
		s.log.WithError(err).Warn("failed to send SYNC")
		return
	}
	s.notify(counter)
}

func (s *SYNC) handle(frame conode.Frame) {
	s.mu.Lock()
	if s.counterOverflow > 0 && frame.DLC == 1 {
		s.counter = frame.Data[0]
	} else if s.counterOverflow == 0 && frame.DLC == 0 {
		s.counter++
	} else {
		s.mu.Unlock()
		s.log.WithField("dlc", frame.DLC).Warn("unexpected SYNC frame length")
		return
	}
	counter := s.counter
	s.mu.Unlock()
	s.notify(counter)
}

func (s *SYNC) notify(counter uint8) {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- counter:
		default:
		}
	}
}

// Subscribe registers a channel that receives every tick's counter value.
// The returned cancel function removes the subscription; it does not close
// the channel.
func (s *SYNC) Subscribe() (ch chan uint8, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubId++
	id := s.nextSubId
	ch = make(chan uint8, 1)
	s.subs = append(s.subs, subscriber{id: id, ch: ch})

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Counter returns the last seen/produced SYNC counter value.
func (s *SYNC) Counter() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// CounterOverflow returns the configured overflow value (0 disables the
// counter byte entirely).
func (s *SYNC) CounterOverflow() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterOverflow
}
