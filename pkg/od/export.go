package od

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// ExportEDS writes odict to filename as an electronic data sheet (CiA 306).
// Objects are written in ascending index order. The produced file is not
// claimed to be byte-identical to any vendor tool's output. Each section
// carries ParameterName, ObjectType, DataType, AccessType, PDOMapping and
// DefaultValue (or, for an aggregate header, ParameterName, ObjectType and
// SubNumber); LowLimit and HighLimit are not written, and DOMAIN contents
// are not preserved.
func ExportEDS(odict *ObjectDictionary, filename string) error {
	eds := ini.Empty()

	for _, index := range odict.Indexes() {
		entry, err := odict.Entry(index)
		if err != nil {
			return err
		}

		if !entry.IsAggregate() {
			section, err := eds.NewSection(strconv.FormatUint(uint64(index), 16))
			if err != nil {
				return err
			}
			if err := populateSection(section, index, entry.variable, entry.ObjectType); err != nil {
				return fmt.Errorf("od: export index x%x: %w", index, err)
			}
			continue
		}

		header, err := eds.NewSection(strconv.FormatUint(uint64(index), 16))
		if err != nil {
			return err
		}
		if err := populateHeaderSection(header, entry.Name, entry.ObjectType, entry.MaxSubIndex()); err != nil {
			return err
		}
		for i, sub := range entry.subs {
			if sub == nil {
				continue
			}
			name := strconv.FormatUint(uint64(index), 16) + "sub" + strconv.FormatUint(uint64(i), 16)
			section, err := eds.NewSection(name)
			if err != nil {
				return err
			}
			if err := populateSection(section, index, sub, entry.ObjectType); err != nil {
				return fmt.Errorf("od: export index x%x sub x%x: %w", index, i, err)
			}
		}
	}

	return eds.SaveTo(filename)
}

func populateSection(section *ini.Section, index uint16, variable *Variable, objectType ObjectType) error {
	if _, err := section.NewKey("ParameterName", variable.Name); err != nil {
		return err
	}
	if _, err := section.NewKey("ObjectType", "0x"+strconv.FormatUint(uint64(objectType), 16)); err != nil {
		return err
	}
	if _, err := section.NewKey("DataType", "0x"+strconv.FormatUint(uint64(variable.dataType), 16)); err != nil {
		return err
	}
	if _, err := section.NewKey("AccessType", DecodeAttribute(variable.attribute)); err != nil {
		return err
	}
	if _, err := section.NewKey("PDOMapping", boolString(variable.attribute&AttributeTrpdo != 0)); err != nil {
		return err
	}

	base := 10
	if index >= 0x1000 && index <= 0x1FFF {
		base = 16
	}
	decoded, err := DecodeToString(variable.data, variable.dataType, base)
	if err != nil {
		return err
	}
	if base == 16 {
		decoded = "0x" + decoded
	}
	_, err = section.NewKey("DefaultValue", decoded)
	return err
}

// populateHeaderSection writes the beginning-of-entry section for a
// RECORD/ARRAY/DEFSTRUCT object, e.g.
//
//	[1a03]
//	ParameterName=TPDO mapping parameter
//	ObjectType=0x9
//	SubNumber=0x9
func populateHeaderSection(section *ini.Section, name string, objectType ObjectType, count uint8) error {
	if _, err := section.NewKey("ParameterName", name); err != nil {
		return err
	}
	if _, err := section.NewKey("ObjectType", "0x"+strconv.FormatUint(uint64(objectType), 16)); err != nil {
		return err
	}
	_, err := section.NewKey("SubNumber", "0x"+strconv.FormatUint(uint64(count)+1, 16))
	return err
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
