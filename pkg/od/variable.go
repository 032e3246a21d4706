package od

import (
	"bytes"
	"sync"
)

// UpdateObserver is notified whenever a Variable's stored bytes actually
// change value. It is never called for a write that reproduces the
// already-stored bytes.
type UpdateObserver interface {
	Update(data []byte) error
}

// UpdateObserverFunc adapts a plain function to UpdateObserver.
type UpdateObserverFunc func(data []byte) error

func (f UpdateObserverFunc) Update(data []byte) error { return f(data) }

// Variable is a single scalar object dictionary entry: a VAR object, or one
// sub-index of an ARRAY/RECORD. It owns its raw byte buffer and enforces
// access rights, limits and change notification on every write.
type Variable struct {
	mu sync.Mutex

	Index    uint16
	SubIndex uint8
	Name     string

	dataType  uint8
	access    AccessType
	attribute uint8

	data         []byte
	defaultValue []byte
	lowLimit     []byte
	highLimit    []byte

	observer UpdateObserver
}

// NewVariable constructs a Variable holding defaultValue as both its initial
// and default value.
func NewVariable(index uint16, subIndex uint8, name string, dataType uint8, access AccessType, defaultValue []byte) *Variable {
	v := &Variable{
		Index:     index,
		SubIndex:  subIndex,
		Name:      name,
		dataType:  dataType,
		access:    access,
		attribute: EncodeAttribute(access.String(), false, dataType),
	}
	v.defaultValue = append([]byte(nil), defaultValue...)
	v.data = append([]byte(nil), defaultValue...)
	return v
}

// DataType returns the CiA 301 data type code of this variable.
func (v *Variable) DataType() uint8 { return v.dataType }

// AccessType returns the SDO access right of this variable.
func (v *Variable) AccessType() AccessType { return v.access }

// Attribute returns the raw PDO-mappability / access bitmask.
func (v *Variable) Attribute() uint8 { return v.attribute }

// SetPDOMappable marks or unmarks this variable as usable in a PDO mapping.
func (v *Variable) SetPDOMappable(mappable bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if mappable {
		v.attribute |= AttributeTrpdo
	} else {
		v.attribute &^= AttributeTrpdo
	}
}

// IsPDOMappable reports whether this variable may appear in a PDO mapping
// parameter entry.
func (v *Variable) IsPDOMappable() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attribute&AttributeTrpdo != 0
}

// SetLimits installs raw-byte low/high limits, checked on every write of a
// numeric type. Passing nil for either clears that bound.
func (v *Variable) SetLimits(low, high []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lowLimit = append([]byte(nil), low...)
	v.highLimit = append([]byte(nil), high...)
}

// SetObserver installs the single update observer for this variable,
// replacing any previous one.
func (v *Variable) SetObserver(observer UpdateObserver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observer = observer
}

// Len returns the current size, in bytes, of the stored value.
func (v *Variable) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.data)
}

// Raw returns a copy of the currently stored bytes.
func (v *Variable) Raw() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.data...)
}

// Value decodes the stored bytes into their typed Go representation.
func (v *Variable) Value() (any, error) {
	return Decode(v.Raw(), v.dataType)
}

// Read returns the stored bytes respecting the WriteOnly access gate: a
// write-only variable cannot be read back over SDO.
func (v *Variable) Read() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.access == AccessWO {
		return nil, ErrWriteOnly
	}
	return append([]byte(nil), v.data...), nil
}

// Write stores raw into the variable, enforcing the read-only/const access
// gate, the fixed-width size check for numeric types, and the configured
// low/high limits. The update observer fires only when the new bytes differ
// from what was already stored.
func (v *Variable) Write(raw []byte) error {
	v.mu.Lock()
	if v.access == AccessRO || v.access == AccessConst {
		v.mu.Unlock()
		return ErrReadOnly
	}
	if err := CheckSize(len(raw), v.dataType); err != nil {
		v.mu.Unlock()
		return err
	}
	if err := v.checkLimitsLocked(raw); err != nil {
		v.mu.Unlock()
		return err
	}
	changed := !bytes.Equal(v.data, raw)
	if changed {
		v.data = append([]byte(nil), raw...)
	}
	observer := v.observer
	data := append([]byte(nil), v.data...)
	v.mu.Unlock()

	if changed && observer != nil {
		return observer.Update(data)
	}
	return nil
}

// WriteValue encodes value for this variable's data type and writes it.
func (v *Variable) WriteValue(value any) error {
	raw, err := Encode(value, v.dataType)
	if err != nil {
		return err
	}
	return v.Write(raw)
}

// ForceWrite bypasses the access gate, used to seed internally managed
// entries (COB-IDs, counters) that the stack itself must update even when
// the entry is read-only to SDO clients, and by PDO mapping which is not
// subject to SDO access rights.
func (v *Variable) ForceWrite(raw []byte) error {
	v.mu.Lock()
	changed := !bytes.Equal(v.data, raw)
	if changed {
		v.data = append([]byte(nil), raw...)
	}
	observer := v.observer
	data := append([]byte(nil), v.data...)
	v.mu.Unlock()

	if changed && observer != nil {
		return observer.Update(data)
	}
	return nil
}

func (v *Variable) checkLimitsLocked(raw []byte) error {
	if len(v.lowLimit) == 0 && len(v.highLimit) == 0 {
		return nil
	}
	width := dataTypeWidth(v.dataType)
	if width == 0 {
		return nil
	}
	if isSignedDataType(v.dataType) {
		value := signExtend(uintLE(raw), width)
		if len(v.lowLimit) > 0 && value < signExtend(uintLE(v.lowLimit), width) {
			return ErrOutOfRange
		}
		if len(v.highLimit) > 0 && value > signExtend(uintLE(v.highLimit), width) {
			return ErrOutOfRange
		}
		return nil
	}
	value := uintLE(raw)
	if len(v.lowLimit) > 0 && value < uintLE(v.lowLimit) {
		return ErrOutOfRange
	}
	if len(v.highLimit) > 0 && value > uintLE(v.highLimit) {
		return ErrOutOfRange
	}
	return nil
}
