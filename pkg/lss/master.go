package lss

import (
	"context"
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds how long Master waits for a slave's answer.
const DefaultTimeout = 1 * time.Second

// Master drives the LSS protocol against one slave at a time (CiA 305
// expects at most one slave in Configuration state while a session runs).
type Master struct {
	bus *conode.BusManager
	log *log.Entry

	mu       sync.Mutex
	pending  chan message
	cancelRx func()
	timeout  time.Duration
}

// NewMaster builds a Master. timeout bounds how long each request waits
// for an answer; zero selects DefaultTimeout.
func NewMaster(bus *conode.BusManager, timeout time.Duration) *Master {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Master{bus: bus, log: log.WithField("component", "lss-master"), timeout: timeout}
}

// Start subscribes to the slave COB-ID so responses can be correlated with
// requests.
func (m *Master) Start() error {
	cancel, err := m.bus.Subscribe(conode.CobIdLSSSlave, conode.FrameListenerFunc(m.handle))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cancelRx = cancel
	m.mu.Unlock()
	return nil
}

// Stop cancels the subscription.
func (m *Master) Stop() {
	m.mu.Lock()
	cancel := m.cancelRx
	m.cancelRx = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Master) handle(frame conode.Frame) {
	if frame.DLC != 8 {
		return
	}
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending == nil {
		return
	}
	var msg message
	copy(msg[:], frame.Data[:])
	select {
	case pending <- msg:
	default:
	}
}

func (m *Master) send(cmd Command, rest [7]byte) error {
	frame := conode.NewFrame(conode.CobIdLSSMaster, 8)
	frame.Data[0] = byte(cmd)
	copy(frame.Data[1:], rest[:])
	return m.bus.Send(frame)
}

// request sends a command and waits for any response matching wantCmd,
// within m.timeout (or ctx's deadline if sooner).
func (m *Master) request(ctx context.Context, cmd Command, rest [7]byte, wantCmd Command) (message, error) {
	ch := make(chan message, 1)
	m.mu.Lock()
	m.pending = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
	}()

	if err := m.send(cmd, rest); err != nil {
		return message{}, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-ch:
			if msg.command() == wantCmd {
				return msg, nil
			}
		case <-timer.C:
			return message{}, ErrTimeout
		case <-ctx.Done():
			return message{}, ctx.Err()
		}
	}
}

// SwitchModeGlobal broadcasts a switch-mode-global command; it has no
// response to wait for (CiA 305 §3.3).
func (m *Master) SwitchModeGlobal(mode Mode) error {
	return m.send(CmdSwitchStateGlobal, [7]byte{byte(mode)})
}

// SwitchModeSelective selects exactly the slave whose identity matches addr
// and moves it into Configuration state.
func (m *Master) SwitchModeSelective(ctx context.Context, addr Address) error {
	steps := []struct {
		cmd   Command
		value uint32
	}{
		{CmdSwitchStateSelectiveVendor, addr.VendorId},
		{CmdSwitchStateSelectiveProduct, addr.ProductCode},
		{CmdSwitchStateSelectiveRevision, addr.RevisionNumber},
		{CmdSwitchStateSelectiveSerialNb, addr.SerialNumber},
	}
	for i, step := range steps {
		var rest [7]byte
		rest[0] = byte(step.value)
		rest[1] = byte(step.value >> 8)
		rest[2] = byte(step.value >> 16)
		rest[3] = byte(step.value >> 24)
		if i < len(steps)-1 {
			if err := m.send(step.cmd, rest); err != nil {
				return err
			}
			continue
		}
		if _, err := m.request(ctx, step.cmd, rest, CmdSwitchStateSelectiveResult); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureNodeId requests the currently selected slave to adopt nodeId.
func (m *Master) ConfigureNodeId(ctx context.Context, nodeId uint8) error {
	msg, err := m.request(ctx, CmdConfigureNodeId, [7]byte{nodeId}, CmdConfigureNodeId)
	if err != nil {
		return err
	}
	return statusError(msg[1])
}

// ConfigureBitTiming requests a bit-timing table/index change.
func (m *Master) ConfigureBitTiming(ctx context.Context, table, index byte) error {
	msg, err := m.request(ctx, CmdConfigureBitTiming, [7]byte{table, index}, CmdConfigureBitTiming)
	if err != nil {
		return err
	}
	return statusError(msg[1])
}

// ActivateBitTiming broadcasts the activation command (no answer expected).
func (m *Master) ActivateBitTiming(switchDelayMs uint16) error {
	var rest [7]byte
	rest[0] = byte(switchDelayMs)
	rest[1] = byte(switchDelayMs >> 8)
	return m.send(CmdConfigureActivateBitTiming, rest)
}

// StoreConfiguration asks the selected slave to persist its configuration.
func (m *Master) StoreConfiguration(ctx context.Context) error {
	msg, err := m.request(ctx, CmdConfigureStoreParameters, [7]byte{}, CmdConfigureStoreParameters)
	if err != nil {
		return err
	}
	return statusError(msg[1])
}

func statusError(status byte) error {
	if status == ConfigOk {
		return nil
	}
	return ErrConfigRejected
}

// InquireIdentity reads back the selected slave's full identity.
func (m *Master) InquireIdentity(ctx context.Context) (Address, error) {
	var addr Address
	fields := []struct {
		cmd Command
		set func(uint32)
	}{
		{CmdInquireVendor, func(v uint32) { addr.VendorId = v }},
		{CmdInquireProduct, func(v uint32) { addr.ProductCode = v }},
		{CmdInquireRevision, func(v uint32) { addr.RevisionNumber = v }},
		{CmdInquireSerial, func(v uint32) { addr.SerialNumber = v }},
	}
	for _, f := range fields {
		msg, err := m.request(ctx, f.cmd, [7]byte{}, f.cmd)
		if err != nil {
			return Address{}, err
		}
		f.set(uint32(msg[1]) | uint32(msg[2])<<8 | uint32(msg[3])<<16 | uint32(msg[4])<<24)
	}
	return addr, nil
}

// InquireNodeId reads back the selected slave's active node-id.
func (m *Master) InquireNodeId(ctx context.Context) (uint8, error) {
	msg, err := m.request(ctx, CmdInquireNodeId, [7]byte{}, CmdInquireNodeId)
	if err != nil {
		return 0, err
	}
	return msg[1], nil
}

// Fastscan bisects the identity space to find exactly one unconfigured
// slave, probing vendor, product, revision and serial number in turn from
// bit 31 down to bit 0 (CiA 305 §4.6.4). On success the found slave has
// already switched itself into Configuration state. probeTimeout bounds how
// long Fastscan waits for each individual probe's ack.
func (m *Master) Fastscan(ctx context.Context, probeTimeout time.Duration) (Address, error) {
	if probeTimeout <= 0 {
		probeTimeout = 20 * time.Millisecond
	}

	if ok, err := m.fastscanProbe(ctx, probeTimeout, 0, fastscanBitCheckAll, 0, 0); err != nil {
		return Address{}, err
	} else if !ok {
		return Address{}, ErrTimeout
	}

	var addr Address
	for field := uint8(0); field < 4; field++ {
		value := uint32(0)
		for bit := uint8(31); ; bit-- {
			width := 32 - bit
			candidate := value | (uint32(1) << bit)
			ok, err := m.fastscanProbe(ctx, probeTimeout, candidate, width, field, field)
			if err != nil {
				return Address{}, err
			}
			if ok {
				value = candidate
			}
			if bit == 0 {
				break
			}
		}

		next := (field + 1) % 4
		ok, err := m.fastscanProbe(ctx, probeTimeout, value, fastscanBitCheckExact, field, next)
		if err != nil {
			return Address{}, err
		}
		if !ok {
			return Address{}, ErrTimeout
		}
		addr.setField(field, value)
	}
	return addr, nil
}

func (m *Master) fastscanProbe(ctx context.Context, timeout time.Duration, idNumber uint32, bitCheck byte, lssSub, lssNext uint8) (bool, error) {
	var rest [7]byte
	rest[0] = byte(idNumber)
	rest[1] = byte(idNumber >> 8)
	rest[2] = byte(idNumber >> 16)
	rest[3] = byte(idNumber >> 24)
	rest[4] = bitCheck
	rest[5] = lssSub
	rest[6] = lssNext

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := m.request(probeCtx, CmdFastscan, rest, CmdIdentifySlave)
	if err == nil {
		return true, nil
	}
	if err == ErrTimeout || err == context.DeadlineExceeded {
		return false, nil
	}
	return false, err
}
