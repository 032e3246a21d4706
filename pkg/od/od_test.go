package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewObjectDictionaryMandatoryEntries(t *testing.T) {
	dict := NewObjectDictionary(nil)

	for _, index := range []uint16{EntryDeviceType, EntryErrorRegister, EntryIdentityObject} {
		_, err := dict.Entry(index)
		assert.Nil(t, err)
	}
}

func TestObjectDictionaryAddRemoveEntry(t *testing.T) {
	dict := NewObjectDictionary(nil)
	variable := NewVariable(0x2000, 0, "custom", UNSIGNED32, AccessRW, []byte{0, 0, 0, 0})
	entry := NewVarEntry(0x2000, "custom", variable)

	assert.Nil(t, dict.AddEntry(entry))
	assert.Equal(t, ErrAlreadyExists, dict.AddEntry(entry))

	_, err := dict.Entry(0x2000)
	assert.Nil(t, err)

	assert.Nil(t, dict.RemoveEntry(0x2000))
	assert.Equal(t, ErrDoesNotExist, dict.RemoveEntry(0x2000))
}

func TestObjectDictionaryAggregateMaxSubIndex(t *testing.T) {
	dict := NewObjectDictionary(nil)

	entry, err := dict.Entry(EntryIdentityObject)
	assert.Nil(t, err)
	assert.True(t, entry.IsAggregate())
	assert.EqualValues(t, 4, entry.MaxSubIndex())

	maxSub, err := dict.Variable(EntryIdentityObject, 0)
	assert.Nil(t, err)
	v, err := maxSub.Value()
	assert.Nil(t, err)
	assert.EqualValues(t, 4, v)
}

func TestObjectDictionaryReadWriteRoundTrip(t *testing.T) {
	dict := NewObjectDictionary(nil)
	variable := NewVariable(0x2001, 0, "value", UNSIGNED16, AccessRW, []byte{0, 0})
	assert.Nil(t, dict.AddEntry(NewVarEntry(0x2001, "value", variable)))

	assert.Nil(t, dict.Write(0x2001, 0, []byte{0x34, 0x12}))
	raw, err := dict.Read(0x2001, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x34, 0x12}, raw)
}

func TestObjectDictionarySubOutOfRange(t *testing.T) {
	dict := NewObjectDictionary(nil)
	_, err := dict.Variable(EntryIdentityObject, 200)
	assert.Equal(t, ErrSubOutOfRange, err)
}

func TestObjectDictionaryIndexesSorted(t *testing.T) {
	dict := NewObjectDictionary(nil)
	variable := NewVariable(0x1500, 0, "x", UNSIGNED8, AccessRW, []byte{0})
	assert.Nil(t, dict.AddEntry(NewVarEntry(0x1500, "x", variable)))

	indexes := dict.Indexes()
	for i := 1; i < len(indexes); i++ {
		assert.True(t, indexes[i-1] < indexes[i])
	}
}
