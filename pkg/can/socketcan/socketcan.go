// Package socketcan wraps github.com/brutella/can to provide a real Linux
// SocketCAN conode.Bus implementation. It only ever emits and accepts base
// (11-bit, non-RTR) frames: anything else is out of this stack's scope
// (spec §1) and is simply not produced here.
package socketcan

import (
	sockcan "github.com/brutella/can"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

// Bus adapts a brutella/can SocketCAN bus to the conode.Bus contract.
type Bus struct {
	bus      *sockcan.Bus
	listener conode.FrameListener
}

// NewBus opens (but does not yet connect) the named SocketCAN interface,
// e.g. "can0".
func NewBus(name string) (conode.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame conode.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

func (b *Bus) Subscribe(listener conode.FrameListener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's receive callback interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.listener.Handle(conode.Frame{ID: frame.ID, DLC: frame.Length, Data: frame.Data})
}
