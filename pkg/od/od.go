// Package od implements the CANopen object dictionary (CiA 301 §7): the
// indexed/sub-indexed typed table that backs SDO and PDO access, plus the
// CiA 306 electronic data sheet (EDS) file format used to describe it.
package od

import (
	"log/slog"
	"sort"
	"sync"
)

// ObjectDictionary is the full index-addressed table of Entry objects for
// one CANopen node. It is safe for concurrent use; SDO and PDO engines
// both read and write it from their own goroutines.
type ObjectDictionary struct {
	mu   sync.RWMutex
	log  *slog.Logger
	list map[uint16]*Entry

	// order keeps the indexes in insertion order alongside the map, the way
	// the teacher's parser keeps an ordered list; Indexes() returns a sorted
	// copy.
	order []uint16
}

// NewObjectDictionary returns an empty dictionary seeded with the mandatory
// entries every CANopen device must carry: 0x1000 Device Type, 0x1001 Error
// Register and 0x1018 Identity Object (§3.2).
func NewObjectDictionary(logger *slog.Logger) *ObjectDictionary {
	if logger == nil {
		logger = slog.Default()
	}
	od := &ObjectDictionary{
		log:  logger.With("component", "od"),
		list: map[uint16]*Entry{},
	}
	od.addMandatoryEntries()
	return od
}

func (od *ObjectDictionary) addMandatoryEntries() {
	deviceType := NewVariable(EntryDeviceType, 0, "Device type", UNSIGNED32, AccessRO, putUintLE(0, 4))
	od.mustAdd(NewVarEntry(EntryDeviceType, "Device type", deviceType))

	errorRegister := NewVariable(EntryErrorRegister, 0, "Error register", UNSIGNED8, AccessRO, []byte{0})
	od.mustAdd(NewVarEntry(EntryErrorRegister, "Error register", errorRegister))

	maxSub := NewVariable(EntryIdentityObject, 0, "Number of entries", UNSIGNED8, AccessConst, []byte{4})
	vendor := NewVariable(EntryIdentityObject, 1, "Vendor-ID", UNSIGNED32, AccessRO, putUintLE(0, 4))
	product := NewVariable(EntryIdentityObject, 2, "Product code", UNSIGNED32, AccessRO, putUintLE(0, 4))
	revision := NewVariable(EntryIdentityObject, 3, "Revision number", UNSIGNED32, AccessRO, putUintLE(0, 4))
	serial := NewVariable(EntryIdentityObject, 4, "Serial number", UNSIGNED32, AccessRO, putUintLE(0, 4))
	od.mustAdd(NewAggregateEntry(EntryIdentityObject, "Identity object", ObjectTypeRECORD,
		[]*Variable{maxSub, vendor, product, revision, serial}))
}

func (od *ObjectDictionary) mustAdd(e *Entry) {
	od.list[e.Index] = e
	od.order = append(od.order, e.Index)
}

// AddEntry inserts a brand-new entry. It returns ErrAlreadyExists if index
// is already populated.
func (od *ObjectDictionary) AddEntry(e *Entry) error {
	od.mu.Lock()
	defer od.mu.Unlock()
	if _, exists := od.list[e.Index]; exists {
		return ErrAlreadyExists
	}
	od.list[e.Index] = e
	od.order = append(od.order, e.Index)
	od.log.Debug("added entry", "index", hex16(e.Index), "name", e.Name)
	return nil
}

// RemoveEntry deletes index entirely, returning ErrDoesNotExist if absent.
func (od *ObjectDictionary) RemoveEntry(index uint16) error {
	od.mu.Lock()
	defer od.mu.Unlock()
	if _, exists := od.list[index]; !exists {
		return ErrDoesNotExist
	}
	delete(od.list, index)
	for i, idx := range od.order {
		if idx == index {
			od.order = append(od.order[:i], od.order[i+1:]...)
			break
		}
	}
	return nil
}

// Entry returns the entry at index, or ErrDoesNotExist.
func (od *ObjectDictionary) Entry(index uint16) (*Entry, error) {
	od.mu.RLock()
	defer od.mu.RUnlock()
	e, ok := od.list[index]
	if !ok {
		return nil, ErrDoesNotExist
	}
	return e, nil
}

// Variable resolves index/subIndex directly to its Variable.
func (od *ObjectDictionary) Variable(index uint16, subIndex uint8) (*Variable, error) {
	e, err := od.Entry(index)
	if err != nil {
		return nil, err
	}
	return e.Sub(subIndex)
}

// Read returns the raw bytes stored at index/subIndex.
func (od *ObjectDictionary) Read(index uint16, subIndex uint8) ([]byte, error) {
	v, err := od.Variable(index, subIndex)
	if err != nil {
		return nil, err
	}
	return v.Read()
}

// Write stores raw bytes at index/subIndex, subject to the Variable's
// access rights and limits.
func (od *ObjectDictionary) Write(index uint16, subIndex uint8, raw []byte) error {
	v, err := od.Variable(index, subIndex)
	if err != nil {
		return err
	}
	return v.Write(raw)
}

// ForceWrite stores raw bytes bypassing the access gate, used by protocol
// engines updating internally managed state (e.g. COB-ID entries, counters).
func (od *ObjectDictionary) ForceWrite(index uint16, subIndex uint8, raw []byte) error {
	v, err := od.Variable(index, subIndex)
	if err != nil {
		return err
	}
	return v.ForceWrite(raw)
}

// Indexes returns every populated index, in ascending order.
func (od *ObjectDictionary) Indexes() []uint16 {
	od.mu.RLock()
	defer od.mu.RUnlock()
	out := append([]uint16(nil), od.order...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
