package lss

import (
	"sync"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// NodeIdCallback is notified whenever the master configures a new node-id,
// so the caller can propagate it to the rest of the running stack.
type NodeIdCallback func(nodeId uint8)

// Slave answers LSS requests addressed to it, tracking the fixed identity
// read from 0x1018 and the pending configuration written by the master.
type Slave struct {
	bus *conode.BusManager
	log *log.Entry

	mu       sync.Mutex
	state    State
	identity Address
	nodeId   uint8 // active node-id, may be NodeIdUnconfigured

	selectMatched [4]bool // per-field match progress during switch-state-selective

	pendingNodeId uint8
	storeFn       func(nodeId uint8) error
	onNodeId      NodeIdCallback

	cancelRx func()
}

// NewSlave builds a Slave from the mandatory identity object 0x1018.
// storeFn, if non-nil, persists a configure-node-id request (CiA 305
// §3.9.1); without it, configure-store-parameters always replies with the
// ConfigImplementation error code.
func NewSlave(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8, storeFn func(nodeId uint8) error) (*Slave, error) {
	identity, err := readIdentity(dict)
	if err != nil {
		return nil, err
	}
	return &Slave{
		bus:      bus,
		log:      log.WithField("component", "lss-slave"),
		state:    StateWaiting,
		identity: identity,
		nodeId:   nodeId,
		storeFn:  storeFn,
	}, nil
}

func readIdentity(dict *od.ObjectDictionary) (Address, error) {
	entry, err := dict.Entry(od.EntryIdentityObject)
	if err != nil {
		return Address{}, err
	}
	var addr Address
	fields := []struct {
		sub uint8
		set func(uint32)
	}{
		{1, func(v uint32) { addr.VendorId = v }},
		{2, func(v uint32) { addr.ProductCode = v }},
		{3, func(v uint32) { addr.RevisionNumber = v }},
		{4, func(v uint32) { addr.SerialNumber = v }},
	}
	for _, f := range fields {
		variable, err := entry.Sub(f.sub)
		if err != nil {
			continue
		}
		v, err := variable.Value()
		if err != nil {
			continue
		}
		raw, _ := v.(uint64)
		f.set(uint32(raw))
	}
	return addr, nil
}

// OnNodeId registers the callback invoked as soon as a configure-node-id
// request is accepted, right after the success reply is sent; it does not
// wait for configure-activate-bit-timing.
func (s *Slave) OnNodeId(cb NodeIdCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNodeId = cb
}

// Start subscribes to the master's LSS COB-ID.
func (s *Slave) Start() error {
	cancel, err := s.bus.Subscribe(conode.CobIdLSSMaster, conode.FrameListenerFunc(s.handle))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cancelRx = cancel
	s.mu.Unlock()
	return nil
}

// Stop cancels the subscription.
func (s *Slave) Stop() {
	s.mu.Lock()
	cancel := s.cancelRx
	s.cancelRx = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State reports the slave's current LSS mode.
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slave) reply(cmd Command, rest [7]byte) {
	frame := conode.NewFrame(conode.CobIdLSSSlave, 8)
	frame.Data[0] = byte(cmd)
	copy(frame.Data[1:], rest[:])
	if err := s.bus.Send(frame); err != nil {
		s.log.WithError(err).Warn("failed to send LSS response")
	}
}

func (s *Slave) handle(frame conode.Frame) {
	if frame.DLC != 8 {
		return
	}
	var msg message
	copy(msg[:], frame.Data[:])
	cmd := msg.command()

	switch cmd {
	case CmdSwitchStateGlobal:
		s.handleSwitchGlobal(msg)
	case CmdSwitchStateSelectiveVendor, CmdSwitchStateSelectiveProduct,
		CmdSwitchStateSelectiveRevision, CmdSwitchStateSelectiveSerialNb:
		s.handleSwitchSelective(cmd, msg)
	case CmdConfigureNodeId:
		s.handleConfigureNodeId(msg)
	case CmdConfigureBitTiming:
		s.handleConfigureBitTiming(msg)
	case CmdConfigureActivateBitTiming:
		// No physical bit-timing switch to apply; acknowledged implicitly
		// by continuing to answer on the same bus.
	case CmdConfigureStoreParameters:
		s.handleStoreParameters()
	case CmdInquireVendor:
		s.handleInquire(CmdInquireVendor, s.identity.VendorId)
	case CmdInquireProduct:
		s.handleInquire(CmdInquireProduct, s.identity.ProductCode)
	case CmdInquireRevision:
		s.handleInquire(CmdInquireRevision, s.identity.RevisionNumber)
	case CmdInquireSerial:
		s.handleInquire(CmdInquireSerial, s.identity.SerialNumber)
	case CmdInquireNodeId:
		s.handleInquireNodeId()
	case CmdFastscan:
		s.handleFastscan(msg)
	}
}

func (s *Slave) handleSwitchGlobal(msg message) {
	mode := Mode(msg[1])
	s.mu.Lock()
	switch mode {
	case ModeWaiting:
		s.state = StateWaiting
	case ModeConfiguration:
		s.state = StateConfiguration
	}
	s.selectMatched = [4]bool{}
	s.mu.Unlock()
}

func (s *Slave) handleSwitchSelective(cmd Command, msg message) {
	value := uint32(msg[1]) | uint32(msg[2])<<8 | uint32(msg[3])<<16 | uint32(msg[4])<<24
	fieldIndex := map[Command]uint8{
		CmdSwitchStateSelectiveVendor:   0,
		CmdSwitchStateSelectiveProduct:  1,
		CmdSwitchStateSelectiveRevision: 2,
		CmdSwitchStateSelectiveSerialNb: 3,
	}[cmd]

	s.mu.Lock()
	if s.identity.field(fieldIndex) == value {
		s.selectMatched[fieldIndex] = true
	} else {
		s.selectMatched = [4]bool{}
	}
	allMatched := s.selectMatched == [4]bool{true, true, true, true}
	if allMatched {
		s.state = StateConfiguration
		s.selectMatched = [4]bool{}
	}
	s.mu.Unlock()

	if allMatched {
		s.reply(CmdSwitchStateSelectiveResult, [7]byte{})
	}
}

func (s *Slave) inConfiguration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConfiguration
}

func (s *Slave) handleConfigureNodeId(msg message) {
	if !s.inConfiguration() {
		return
	}
	nodeId := msg[1]
	var rest [7]byte
	if nodeId != NodeIdUnconfigured && (nodeId < NodeIdMin || nodeId > NodeIdMax) {
		rest[0] = ConfigOutOfRange
		s.reply(CmdConfigureNodeId, rest)
		return
	}

	s.mu.Lock()
	s.pendingNodeId = nodeId
	s.nodeId = nodeId
	cb := s.onNodeId
	s.mu.Unlock()

	rest[0] = ConfigOk
	s.reply(CmdConfigureNodeId, rest)
	if cb != nil {
		cb(nodeId)
	}
}

func (s *Slave) handleConfigureBitTiming(msg message) {
	if !s.inConfiguration() {
		return
	}
	// Bit-timing table/index are accepted but not applied: the transport
	// abstraction has no notion of a configurable bit rate.
	var rest [7]byte
	rest[0] = ConfigOk
	s.reply(CmdConfigureBitTiming, rest)
}

func (s *Slave) handleStoreParameters() {
	if !s.inConfiguration() {
		return
	}
	var rest [7]byte
	s.mu.Lock()
	storeFn := s.storeFn
	nodeId := s.nodeId
	s.mu.Unlock()

	if storeFn == nil {
		rest[0] = ConfigImplementation
	} else if err := storeFn(nodeId); err != nil {
		rest[0] = ConfigOutOfRange
	} else {
		rest[0] = ConfigOk
	}
	s.reply(CmdConfigureStoreParameters, rest)
}

func (s *Slave) handleInquire(cmd Command, value uint32) {
	var rest [7]byte
	rest[0] = byte(value)
	rest[1] = byte(value >> 8)
	rest[2] = byte(value >> 16)
	rest[3] = byte(value >> 24)
	s.reply(cmd, rest)
}

func (s *Slave) handleInquireNodeId() {
	s.mu.Lock()
	nodeId := s.nodeId
	s.mu.Unlock()
	var rest [7]byte
	rest[0] = nodeId
	s.reply(CmdInquireNodeId, rest)
}

// handleFastscan answers a fastscan probe (CiA 305 §4.6.4): an unconfigured
// slave (node-id NodeIdUnconfigured) still in Waiting state acks with CmdIdentifySlave when IDNumber matches the top
// bitCheck bits of its own identity field (lssSub selects which of the four
// identity fields). bitCheck==fastscanBitCheckAll is the initial "is anyone
// there" probe, acked regardless of IDNumber. A successful exact-match probe
// (bitCheck==fastscanBitCheckExact) against the serial number field with
// lssNext wrapping back to vendor completes the scan: the matched slave
// switches itself into Configuration state so the master can configure it
// directly.
func (s *Slave) handleFastscan(msg message) {
	if s.State() != StateWaiting {
		return
	}
	idNumber := uint32(msg[1]) | uint32(msg[2])<<8 | uint32(msg[3])<<16 | uint32(msg[4])<<24
	bitCheck := msg[5]
	lssSub := msg[6]
	lssNext := msg[7]
	if lssSub > 3 {
		return
	}

	s.mu.Lock()
	field := s.identity.field(lssSub)
	nodeId := s.nodeId
	s.mu.Unlock()
	if nodeId != NodeIdUnconfigured {
		return
	}

	mask := fastscanMask(bitCheck)
	if (field^idNumber)&mask != 0 {
		return
	}

	s.reply(CmdIdentifySlave, [7]byte{})

	if bitCheck == fastscanBitCheckExact && lssSub == 3 && lssNext == 0 {
		s.mu.Lock()
		s.state = StateConfiguration
		s.mu.Unlock()
	}
}
