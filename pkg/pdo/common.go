// Package pdo implements the CANopen Process Data Object protocol (CiA 301
// §7.2.2): an RPDO consumer that copies received frames into mapped object
// dictionary entries, and a TPDO producer that assembles and transmits
// frames from them.
package pdo

import (
	"fmt"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
)

const (
	// MaxPdoLength is the largest payload a classic (non-FD) PDO can carry.
	MaxPdoLength = 8
	// MaxMappedEntries is the largest number of objects one PDO can map.
	MaxMappedEntries = 64
)

// Transmission types, CiA 301 Table 73.
const (
	TransmissionTypeAcyclic  uint8 = 0
	TransmissionTypeSyncMax  uint8 = 240
	TransmissionTypeEventLo  uint8 = 0xFE
	TransmissionTypeEventHi  uint8 = 0xFF
)

// Communication parameter sub-indices, shared by RPDO (0x14xx) and TPDO
// (0x18xx) objects.
const (
	SubCobId             uint8 = 1
	SubTransmissionType   uint8 = 2
	SubInhibitTime        uint8 = 3
	SubEventTimer         uint8 = 5
	SubSyncStartValue     uint8 = 6
)

// mappedEntry is one object mapped into a PDO, with the bit length recorded
// by the mapping parameter (used to validate, even though only byte-aligned
// widths are supported).
type mappedEntry struct {
	variable  *od.Variable
	byteWidth int
}

// pdoMap is the shared mapping/communication state built from a pair of
// 0x14xx/0x16xx (RPDO) or 0x18xx/0x1Axx (TPDO) entries.
type pdoMap struct {
	cobId            uint32
	valid            bool
	transmissionType uint8
	inhibitTimeUs    uint32
	eventTimeMs      uint32
	syncStart        uint8
	entries          []mappedEntry
	dataLength       int
}

// buildMap reads a communication parameter entry and its sibling mapping
// parameter entry (spec §4.10.1) and produces the resulting pdoMap.
func buildMap(dict *od.ObjectDictionary, commEntry, mapEntry *od.Entry, predefinedId uint16, nodeId uint8) (*pdoMap, error) {
	cobIdVar, err := commEntry.Sub(SubCobId)
	if err != nil {
		return nil, err
	}
	cobIdVal, err := cobIdVar.Value()
	if err != nil {
		return nil, err
	}
	cobIdRaw, _ := cobIdVal.(uint64)

	m := &pdoMap{}
	m.valid = cobIdRaw&0x80000000 == 0
	canId := uint32(cobIdRaw) & 0x7FF
	if canId != 0 && canId == uint32(predefinedId)&0xFF80 {
		canId = uint32(predefinedId)
	}
	m.cobId = conode.DefaultCobId(canId, nodeId)

	if ttVar, err := commEntry.Sub(SubTransmissionType); err == nil {
		if v, err := ttVar.Value(); err == nil {
			tt, _ := v.(uint64)
			m.transmissionType = uint8(tt)
		}
	}
	if inhibitVar, err := commEntry.Sub(SubInhibitTime); err == nil {
		if v, err := inhibitVar.Value(); err == nil {
			u, _ := v.(uint64)
			m.inhibitTimeUs = uint32(u) * 100
		}
	}
	if eventVar, err := commEntry.Sub(SubEventTimer); err == nil {
		if v, err := eventVar.Value(); err == nil {
			u, _ := v.(uint64)
			m.eventTimeMs = uint32(u)
		}
	}
	if syncStartVar, err := commEntry.Sub(SubSyncStartValue); err == nil {
		if v, err := syncStartVar.Value(); err == nil {
			u, _ := v.(uint64)
			m.syncStart = uint8(u)
		}
	}

	if !(m.transmissionType <= TransmissionTypeSyncMax || m.transmissionType == TransmissionTypeEventLo || m.transmissionType == TransmissionTypeEventHi) {
		return nil, fmt.Errorf("pdo: unsupported transmission type x%x", m.transmissionType)
	}

	countVar, err := mapEntry.Sub(0)
	if err != nil {
		return nil, err
	}
	countVal, err := countVar.Value()
	if err != nil {
		return nil, err
	}
	count, _ := countVal.(uint64)
	if count == 0xFE || count == 0xFF {
		return nil, fmt.Errorf("pdo: SAM/DAM-MPDO mapping is not supported")
	}

	total := 0
	for i := uint8(1); i <= uint8(count) && i <= MaxMappedEntries; i++ {
		wordVar, err := mapEntry.Sub(i)
		if err != nil {
			continue
		}
		wordVal, err := wordVar.Value()
		if err != nil {
			continue
		}
		word, _ := wordVal.(uint64)
		if word == 0 {
			continue
		}
		dataIndex := uint16(word >> 16)
		dataSub := uint8(word >> 8)
		bitLength := uint8(word)
		if bitLength%8 != 0 {
			return nil, fmt.Errorf("pdo: mapped entry x%x:%x is not byte-aligned", dataIndex, dataSub)
		}

		variable, err := dict.Variable(dataIndex, dataSub)
		if err != nil {
			continue
		}
		width := int(bitLength / 8)
		total += width
		m.entries = append(m.entries, mappedEntry{variable: variable, byteWidth: width})
	}

	if total > MaxPdoLength {
		return nil, fmt.Errorf("pdo: mapped payload length %d exceeds %d bytes", total, MaxPdoLength)
	}
	if len(m.entries) == 0 {
		m.valid = false
	}
	m.dataLength = total
	return m, nil
}

// read assembles the current payload by concatenating each mapped entry's
// raw bytes.
func (m *pdoMap) read() []byte {
	out := make([]byte, 0, m.dataLength)
	for _, entry := range m.entries {
		raw := entry.variable.Raw()
		if len(raw) > entry.byteWidth {
			raw = raw[:entry.byteWidth]
		}
		out = append(out, raw...)
	}
	return out
}

// write distributes payload sequentially into each mapped entry, returning
// the subset of entries whose stored value actually changed.
func (m *pdoMap) write(payload []byte) []*od.Variable {
	var changed []*od.Variable
	offset := 0
	for _, entry := range m.entries {
		end := offset + entry.byteWidth
		if end > len(payload) {
			break
		}
		before := entry.variable.Raw()
		if err := entry.variable.ForceWrite(payload[offset:end]); err == nil {
			if string(before) != string(payload[offset:end]) {
				changed = append(changed, entry.variable)
			}
		}
		offset = end
	}
	return changed
}
