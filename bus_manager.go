package conode

import (
	"fmt"
	"log/slog"
	"sync"
)

// MaxCanId is the highest standard (11-bit) CAN identifier.
const MaxCanId = 0x7FF

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager wraps a Bus and demultiplexes incoming frames to per-CAN-ID
// subscriber lists. Every protocol engine subscribes through a BusManager
// rather than talking to the Bus directly, so that several engines can
// share one transport.
type BusManager struct {
	logger    *slog.Logger
	mu        sync.Mutex
	bus       Bus
	listeners map[uint32][]subscriber
	nextSubId uint64
}

// NewBusManager wraps bus. logger may be nil, in which case slog.Default is used.
func NewBusManager(bus Bus, logger *slog.Logger) *BusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusManager{
		logger:    logger,
		bus:       bus,
		listeners: map[uint32][]subscriber{},
	}
}

// Handle implements FrameListener: it is the single callback registered with
// the underlying Bus, and fans received frames out to matching subscribers.
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := append([]subscriber(nil), bm.listeners[frame.ID&canIdMask]...)
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

// Connect connects the underlying bus and registers bm as its single frame listener.
func (bm *BusManager) Connect(args ...any) error {
	if err := bm.bus.Connect(args...); err != nil {
		return err
	}
	return bm.bus.Subscribe(bm)
}

// Send transmits frame on the bus, never emitting extended or RTR frames
// for anything the stack itself produces (§6.1).
func (bm *BusManager) Send(frame Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.Warn("failed to send frame", "id", fmt.Sprintf("x%x", frame.ID), "error", err)
	}
	return err
}

// Subscribe registers callback for every frame whose ID equals ident.
// It returns a cancel function that removes the subscription.
func (bm *BusManager) Subscribe(ident uint32, callback FrameListener) (cancel func(), err error) {
	if ident > MaxCanId {
		return nil, ErrIllegalArgument
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nextSubId++
	subId := bm.nextSubId
	bm.listeners[ident] = append(bm.listeners[ident], subscriber{id: subId, callback: callback})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		subs := bm.listeners[ident]
		for i, sub := range subs {
			if sub.id == subId {
				bm.listeners[ident] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}
