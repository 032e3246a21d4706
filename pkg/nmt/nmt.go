// Package nmt implements the CANopen Network Management state machine and
// heartbeat producer (CiA 301 §7.2.8/§7.2.9): node state transitions
// broadcast or targeted over CAN-ID 0, and a periodic heartbeat emitted on
// 0x700+nodeId.
package nmt

import (
	"fmt"
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// NMT states, CiA 301 Table 62.
const (
	StateInitializing   uint8 = 0
	StateStopped        uint8 = 4
	StateOperational    uint8 = 5
	StatePreOperational uint8 = 127
)

var stateNames = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StateStopped:        "STOPPED",
	StateOperational:    "OPERATIONAL",
	StatePreOperational: "PRE-OPERATIONAL",
}

func StateName(state uint8) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}

// Command is the byte-0 value of an NMT command frame, CiA 301 Table 61.
type Command uint8

const (
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

// ResetKind identifies which reset a RESET_NODE/RESET_COMMUNICATION command
// requests, delivered through ResetCallback.
type ResetKind uint8

const (
	ResetNode ResetKind = iota + 1
	ResetCommunication
)

// startupToOperational is bit 2 of object 0x1F80 (NMT startup behavior):
// when set, a node that completes INITIALIZING enters OPERATIONAL directly
// instead of PRE-OPERATIONAL.
const startupToOperational uint16 = 0x0004

// StateChangeCallback is notified on every NMT state transition.
type StateChangeCallback func(newState, oldState uint8)

// ResetCallback is notified when a RESET_NODE or RESET_COMMUNICATION command
// targets this node. The caller is responsible for actually performing the
// reset; NMT only reports the request.
type ResetCallback func(kind ResetKind)

// NMT tracks one node's network-management state and produces its
// heartbeat.
type NMT struct {
	bus *conode.BusManager
	log *log.Entry

	mu sync.Mutex

	nodeId   uint8
	state    uint8
	control  uint16
	producerPeriod time.Duration

	timer   *time.Timer
	running bool

	stateCallbacks []StateChangeCallback
	resetCallback  ResetCallback

	cancelRx func()
}

// NewNMT builds an NMT state machine for nodeId, reading the producer
// heartbeat time from object 0x1017.
func NewNMT(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8, control uint16) (*NMT, error) {
	n := &NMT{
		bus:     bus,
		log:     log.WithFields(log.Fields{"component": "nmt", "nodeId": nodeId}),
		nodeId:  nodeId,
		state:   StateInitializing,
		control: control,
	}

	if periodVar, err := dict.Variable(od.EntryProducerHeartbeatTime, 0); err == nil {
		if v, err := periodVar.Value(); err == nil {
			if u, ok := v.(uint64); ok {
				n.producerPeriod = time.Duration(u) * time.Millisecond
			}
		}
	}
	return n, nil
}

// Start boots the node: it sends the boot-up heartbeat (state INITIALIZING),
// transitions to OPERATIONAL or PRE-OPERATIONAL per the startup control
// word, sends the resulting state's heartbeat, and subscribes to NMT
// commands on CAN-ID 0.
func (n *NMT) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.mu.Unlock()

	cancel, err := n.bus.Subscribe(conode.CobIdNMT, conode.FrameListenerFunc(n.handle))
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.cancelRx = cancel
	n.mu.Unlock()

	n.sendHeartbeat()

	next := StatePreOperational
	if n.control&startupToOperational != 0 {
		next = StateOperational
	}
	n.transition(next)
	return nil
}

// Stop cancels the heartbeat timer and the NMT command subscription.
func (n *NMT) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.cancelRx != nil {
		n.cancelRx()
		n.cancelRx = nil
	}
}

// State returns the current NMT state.
func (n *NMT) State() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnStateChange registers a callback invoked on every state transition.
func (n *NMT) OnStateChange(cb StateChangeCallback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateCallbacks = append(n.stateCallbacks, cb)
}

// OnReset registers the single callback invoked when a reset command
// targets this node, replacing any previously registered one.
func (n *NMT) OnReset(cb ResetCallback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetCallback = cb
}

func (n *NMT) handle(frame conode.Frame) {
	if frame.DLC != 2 {
		return
	}
	command := Command(frame.Data[0])
	target := frame.Data[1]
	if target != 0 && target != n.nodeId {
		return
	}
	n.processCommand(command)
}

func (n *NMT) processCommand(command Command) {
	switch command {
	case CommandEnterOperational:
		n.transition(StateOperational)
	case CommandEnterStopped:
		n.transition(StateStopped)
	case CommandEnterPreOperational:
		n.transition(StatePreOperational)
	case CommandResetNode:
		n.mu.Lock()
		cb := n.resetCallback
		n.mu.Unlock()
		if cb != nil {
			cb(ResetNode)
		}
	case CommandResetCommunication:
		n.mu.Lock()
		cb := n.resetCallback
		n.mu.Unlock()
		if cb != nil {
			cb(ResetCommunication)
		}
	}
}

func (n *NMT) transition(newState uint8) {
	n.mu.Lock()
	old := n.state
	if newState == old {
		n.mu.Unlock()
		return
	}
	n.state = newState
	callbacks := append([]StateChangeCallback(nil), n.stateCallbacks...)
	n.mu.Unlock()

	n.log.WithFields(log.Fields{"from": StateName(old), "to": StateName(newState)}).Info("nmt state changed")
	n.sendHeartbeat()
	for _, cb := range callbacks {
		cb(newState, old)
	}
}

// sendHeartbeat transmits the current state on 0x700+nodeId and, if a
// producer period is configured, (re)arms the periodic timer.
func (n *NMT) sendHeartbeat() {
	n.mu.Lock()
	state := n.state
	period := n.producerPeriod
	n.mu.Unlock()

	frame := conode.NewFrame(conode.CobIdHeartbeat+uint32(n.nodeId), 1)
	frame.Data[0] = state
	if err := n.bus.Send(frame); err != nil {
		n.log.WithError(err).Warn("failed to send heartbeat")
	}

	if period <= 0 {
		return
	}
	n.mu.Lock()
	if n.timer == nil {
		n.timer = time.AfterFunc(period, n.heartbeatTimeout)
	} else {
		n.timer.Reset(period)
	}
	n.mu.Unlock()
}

func (n *NMT) heartbeatTimeout() {
	n.sendHeartbeat()
}

// SendCommand broadcasts (nodeId==0) or targets an NMT command, and applies
// the corresponding transition locally if it addresses this node.
func (n *NMT) SendCommand(command Command, nodeId uint8) error {
	frame := conode.NewFrame(conode.CobIdNMT, 2)
	frame.Data[0] = uint8(command)
	frame.Data[1] = nodeId
	if err := n.bus.Send(frame); err != nil {
		return fmt.Errorf("nmt: send command: %w", err)
	}
	if nodeId == 0 || nodeId == n.nodeId {
		n.processCommand(command)
	}
	return nil
}
