package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariableWriteRejectsReadOnly(t *testing.T) {
	v := NewVariable(0x2000, 0, "test", UNSIGNED8, AccessRO, []byte{0})
	err := v.Write([]byte{5})
	assert.Equal(t, ErrReadOnly, err)
}

func TestVariableWriteRejectsWrongSize(t *testing.T) {
	v := NewVariable(0x2000, 0, "test", UNSIGNED16, AccessRW, []byte{0, 0})
	err := v.Write([]byte{1, 2, 3})
	assert.Equal(t, ErrDataLong, err)
}

func TestVariableReadRejectsWriteOnly(t *testing.T) {
	v := NewVariable(0x2000, 0, "test", UNSIGNED8, AccessWO, []byte{0})
	_, err := v.Read()
	assert.Equal(t, ErrWriteOnly, err)
}

func TestVariableUpdateObserverFiresOnlyOnChange(t *testing.T) {
	v := NewVariable(0x2000, 0, "test", UNSIGNED8, AccessRW, []byte{0})
	calls := 0
	v.SetObserver(UpdateObserverFunc(func(data []byte) error {
		calls++
		return nil
	}))

	err := v.Write([]byte{5})
	assert.Nil(t, err)
	assert.Equal(t, 1, calls)

	// Re-writing the identical value must not fire the observer again.
	err = v.Write([]byte{5})
	assert.Nil(t, err)
	assert.Equal(t, 1, calls)

	err = v.Write([]byte{6})
	assert.Nil(t, err)
	assert.Equal(t, 2, calls)
}

func TestVariableLimits(t *testing.T) {
	v := NewVariable(0x2000, 0, "test", INTEGER16, AccessRW, []byte{0, 0})
	low, _ := Encode(int16(-10), INTEGER16)
	high, _ := Encode(int16(10), INTEGER16)
	v.SetLimits(low, high)

	raw, _ := Encode(int16(100), INTEGER16)
	err := v.Write(raw)
	assert.Equal(t, ErrOutOfRange, err)

	raw, _ = Encode(int16(-100), INTEGER16)
	err = v.Write(raw)
	assert.Equal(t, ErrOutOfRange, err)

	raw, _ = Encode(int16(5), INTEGER16)
	err = v.Write(raw)
	assert.Nil(t, err)
}

func TestVariableWriteValue(t *testing.T) {
	v := NewVariable(0x2000, 0, "test", UNSIGNED32, AccessRW, []byte{0, 0, 0, 0})
	err := v.WriteValue(uint32(42))
	assert.Nil(t, err)
	value, err := v.Value()
	assert.Nil(t, err)
	assert.EqualValues(t, 42, value)
}
