package od

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		dataType uint8
		value    any
	}{
		{"bool", BOOLEAN, true},
		{"int8", INTEGER8, int8(-5)},
		{"uint16", UNSIGNED16, uint16(1234)},
		{"int32", INTEGER32, int32(-70000)},
		{"uint24", UNSIGNED24, uint32(0xABCDEF)},
		{"int40", INTEGER40, int64(-12345678901)},
		{"uint56", UNSIGNED56, uint64(0x123456789ABCDE)},
		{"uint64", UNSIGNED64, uint64(0xFFEEDDCCBBAA9988)},
		{"real32", REAL32, float32(3.5)},
		{"real64", REAL64, 2.71828},
		{"string", VISIBLE_STRING, "hello"},
		{"octet", OCTET_STRING, []byte{1, 2, 3}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := Encode(c.value, c.dataType)
			assert.Nil(t, err)

			decoded, err := Decode(raw, c.dataType)
			assert.Nil(t, err)

			switch v := c.value.(type) {
			case bool:
				assert.Equal(t, v, decoded)
			case int8:
				assert.EqualValues(t, v, decoded)
			case int32:
				assert.EqualValues(t, v, decoded)
			case int64:
				assert.EqualValues(t, v, decoded)
			case uint16:
				assert.EqualValues(t, v, decoded)
			case uint32:
				assert.EqualValues(t, v, decoded)
			case uint64:
				assert.EqualValues(t, v, decoded)
			case float32:
				assert.EqualValues(t, v, decoded)
			case float64:
				assert.InDelta(t, v, decoded, 1e-9)
			case string:
				assert.Equal(t, v, decoded)
			case []byte:
				assert.Equal(t, v, decoded)
			}
		})
	}
}

func TestEncodeDecodeTimeOfDay(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	raw, err := Encode(now, TIME_OF_DAY)
	assert.Nil(t, err)
	assert.Len(t, raw, 6)

	decoded, err := Decode(raw, TIME_OF_DAY)
	assert.Nil(t, err)
	got := decoded.(time.Time)
	assert.Equal(t, now.Unix(), got.Unix())
}

func TestCheckSizeRejectsWrongWidth(t *testing.T) {
	_, err := Decode([]byte{1, 2}, UNSIGNED32)
	assert.Equal(t, ErrDataShort, err)

	_, err = Decode([]byte{1, 2, 3, 4, 5}, UNSIGNED32)
	assert.Equal(t, ErrDataLong, err)
}

func TestEncodeTypeMismatch(t *testing.T) {
	_, err := Encode("not a number", UNSIGNED32)
	assert.Equal(t, ErrTypeMismatch, err)
}

func TestEncodeFromStringWithNodeIdOffset(t *testing.T) {
	raw, err := EncodeFromString("0x600", UNSIGNED32, 5)
	assert.Nil(t, err)
	v, err := Decode(raw, UNSIGNED32)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x605, v)
}

func TestEncodeAttributeRoundTrip(t *testing.T) {
	attr := EncodeAttribute("ro", true, UNSIGNED8)
	assert.Equal(t, AttributeSdoR|AttributeTrpdo, attr)
	assert.Equal(t, "ro", DecodeAttribute(attr&AttributeSdoRw))
}
