// Package virtual implements an in-process loopback CAN bus. It requires no
// broker or real hardware: every Bus created with the same channel name
// joins the same virtual network and receives every frame sent by any other
// member (including itself, if SetReceiveOwn is set). This is the transport
// used by this module's own test suite to wire two or more nodes together,
// the same role the teacher's TCP-based virtual bus plays in its tests.
package virtual

import (
	"sync"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
	can.RegisterInterface("virtualcan", NewBus)
}

type network struct {
	mu      sync.Mutex
	members []*Bus
}

var (
	registryMu sync.Mutex
	registry   = map[string]*network{}
)

func joinNetwork(channel string, bus *Bus) *network {
	registryMu.Lock()
	defer registryMu.Unlock()
	net, ok := registry[channel]
	if !ok {
		net = &network{}
		registry[channel] = net
	}
	net.mu.Lock()
	net.members = append(net.members, bus)
	net.mu.Unlock()
	return net
}

func (n *network) leave(bus *Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.members {
		if m == bus {
			n.members = append(n.members[:i], n.members[i+1:]...)
			return
		}
	}
}

func (n *network) broadcast(from *Bus, frame conode.Frame) {
	n.mu.Lock()
	members := append([]*Bus(nil), n.members...)
	n.mu.Unlock()
	for _, m := range members {
		if m == from && !m.receiveOwn {
			continue
		}
		m.deliver(frame)
	}
}

// Bus is an in-memory conode.Bus implementation.
type Bus struct {
	channel    string
	net        *network
	mu         sync.Mutex
	handler    conode.FrameListener
	receiveOwn bool
	connected  bool
}

// NewBus satisfies can.NewInterfaceFunc.
func NewBus(channel string) (conode.Bus, error) {
	return &Bus{channel: channel}, nil
}

func (b *Bus) Connect(...any) error {
	b.net = joinNetwork(b.channel, b)
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	if b.net != nil {
		b.net.leave(b)
	}
	b.connected = false
	return nil
}

func (b *Bus) Send(frame conode.Frame) error {
	if !b.connected {
		return conode.ErrTransportUnavailable
	}
	b.net.broadcast(b, frame)
	return nil
}

func (b *Bus) Subscribe(handler conode.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

// SetReceiveOwn controls whether frames sent by this bus are also delivered
// back to it, mirroring the real SocketCAN loopback-filtering knob.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}

func (b *Bus) deliver(frame conode.Frame) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}
