package od

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
	nodeIdMacro       = regexp.MustCompile(`\+?\$NODEID\+?`)
)

// ParseEDS reads an electronic data sheet (CiA 306) from file, path or
// []byte, resolving "$NODEID" default-value macros against nodeId.
func ParseEDS(file any, nodeId uint8, logger *slog.Logger) (*ObjectDictionary, error) {
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	od := NewObjectDictionary(logger)
	// Mandatory entries are pre-seeded by NewObjectDictionary; they are
	// removed here so that only the EDS's own sections for those indexes
	// are added. An EDS without them yields a dictionary without them.
	od.RemoveEntry(EntryDeviceType)
	od.RemoveEntry(EntryErrorRegister)
	od.RemoveEntry(EntryIdentityObject)

	for _, section := range edsFile.Sections() {
		name := section.Name()

		if matchIdxRegExp.MatchString(name) {
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, err
			}
			if err := addEntryFromSection(od, section, uint16(idx), nodeId); err != nil {
				return nil, fmt.Errorf("od: index x%x: %w", idx, err)
			}
			continue
		}

		if matchSubidxRegExp.MatchString(name) {
			idx, err := strconv.ParseUint(name[0:4], 16, 16)
			if err != nil {
				return nil, err
			}
			sidx, err := strconv.ParseUint(name[7:], 16, 8)
			if err != nil {
				return nil, err
			}
			if err := addSubFromSection(od, section, uint16(idx), uint8(sidx), nodeId); err != nil {
				return nil, fmt.Errorf("od: index x%x sub x%x: %w", idx, sidx, err)
			}
		}
	}

	return od, nil
}

func addEntryFromSection(od *ObjectDictionary, section *ini.Section, index uint16, nodeId uint8) error {
	parameterName := section.Key("ParameterName").String()
	objectType := uint64(ObjectTypeVAR)
	if section.HasKey("ObjectType") {
		parsed, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
		if err == nil {
			objectType = parsed
		}
	}

	switch ObjectType(objectType) {
	case ObjectTypeVAR, ObjectTypeDOMAIN, ObjectTypeDEFTYPE:
		variable, err := variableFromSection(section, parameterName, index, 0, nodeId)
		if err != nil {
			return err
		}
		return od.AddEntry(NewVarEntry(index, parameterName, variable))

	case ObjectTypeARRAY:
		subNumber := uint64(0)
		if section.HasKey("SubNumber") {
			subNumber, _ = strconv.ParseUint(section.Key("SubNumber").Value(), 0, 8)
		}
		subs := make([]*Variable, subNumber)
		for i := range subs {
			subs[i] = NewVariable(index, uint8(i), "", UNSIGNED32, AccessRO, nil)
		}
		return od.AddEntry(NewAggregateEntry(index, parameterName, ObjectTypeARRAY, subs))

	case ObjectTypeRECORD, ObjectTypeDEFSTRUCT:
		return od.AddEntry(NewAggregateEntry(index, parameterName, ObjectType(objectType), nil))

	default:
		return fmt.Errorf("unsupported object type %d", objectType)
	}
}

func addSubFromSection(od *ObjectDictionary, section *ini.Section, index uint16, subIndex uint8, nodeId uint8) error {
	entry, err := od.Entry(index)
	if err != nil {
		return err
	}
	parameterName := section.Key("ParameterName").String()
	variable, err := variableFromSection(section, parameterName, index, subIndex, nodeId)
	if err != nil {
		return err
	}

	switch entry.ObjectType {
	case ObjectTypeARRAY:
		if int(subIndex) < len(entry.subs) {
			entry.subs[subIndex] = variable
			return nil
		}
		for int(subIndex) >= len(entry.subs) {
			entry.subs = append(entry.subs, nil)
		}
		entry.subs[subIndex] = variable
		return nil
	case ObjectTypeRECORD, ObjectTypeDEFSTRUCT:
		return entry.AddSub(variable)
	default:
		return fmt.Errorf("add sub-entry not supported for object type %v", entry.ObjectType)
	}
}

func variableFromSection(section *ini.Section, name string, index uint16, subIndex uint8, nodeId uint8) (*Variable, error) {
	dataTypeVal, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 16)
	if err != nil {
		return nil, fmt.Errorf("missing/invalid DataType: %w", err)
	}
	dataType := uint8(dataTypeVal)

	accessType := "ro"
	if section.HasKey("AccessType") {
		accessType = strings.ToLower(section.Key("AccessType").Value())
	}
	access, err := ParseAccessType(accessType)
	if err != nil {
		access = AccessRO
	}

	pdoMapping := false
	if section.HasKey("PDOMapping") {
		pdoMapping, _ = section.Key("PDOMapping").Bool()
	}

	defaultValueStr := section.Key("DefaultValue").Value()
	offset := uint8(0)
	if strings.Contains(defaultValueStr, "$NODEID") {
		defaultValueStr = nodeIdMacro.ReplaceAllString(defaultValueStr, "")
		offset = nodeId
	}
	defaultValue, err := EncodeFromString(defaultValueStr, dataType, offset)
	if err != nil {
		return nil, fmt.Errorf("parsing DefaultValue %q: %w", defaultValueStr, err)
	}

	variable := NewVariable(index, subIndex, name, dataType, access, defaultValue)
	variable.attribute = EncodeAttribute(accessType, pdoMapping, dataType)

	if section.HasKey("LowLimit") || section.HasKey("HighLimit") {
		var low, high []byte
		if section.HasKey("LowLimit") {
			low, _ = EncodeFromString(section.Key("LowLimit").Value(), dataType, 0)
		}
		if section.HasKey("HighLimit") {
			high, _ = EncodeFromString(section.Key("HighLimit").Value(), dataType, 0)
		}
		variable.SetLimits(low, high)
	}

	return variable, nil
}
