package od

// Entry is one indexed object dictionary entry. A VAR/DOMAIN/DEFTYPE entry
// wraps a single Variable at sub-index 0; an ARRAY/RECORD/DEFSTRUCT entry
// wraps a table of sub-objects indexed 0..N, where sub-index 0 is the
// auto-generated "highest sub-index supported" entry.
type Entry struct {
	Index      uint16
	Name       string
	ObjectType ObjectType

	variable *Variable   // set when ObjectType == ObjectTypeVAR/DOMAIN/DEFTYPE
	subs     []*Variable // set when ObjectType == ObjectTypeARRAY/RECORD/DEFSTRUCT
}

// NewVarEntry builds a scalar (VAR) entry around variable.
func NewVarEntry(index uint16, name string, variable *Variable) *Entry {
	variable.Index = index
	variable.SubIndex = 0
	return &Entry{Index: index, Name: name, ObjectType: ObjectTypeVAR, variable: variable}
}

// NewAggregateEntry builds an ARRAY or RECORD entry. subs[0] is the
// "highest sub-index supported" object; subs[1:] are the data sub-objects.
// objType must be ObjectTypeARRAY, ObjectTypeRECORD or ObjectTypeDEFSTRUCT.
func NewAggregateEntry(index uint16, name string, objType ObjectType, subs []*Variable) *Entry {
	for i, s := range subs {
		s.Index = index
		s.SubIndex = uint8(i)
	}
	return &Entry{Index: index, Name: name, ObjectType: objType, subs: subs}
}

// IsAggregate reports whether this entry addresses sub-objects by index.
func (e *Entry) IsAggregate() bool {
	return e.ObjectType == ObjectTypeARRAY || e.ObjectType == ObjectTypeRECORD || e.ObjectType == ObjectTypeDEFSTRUCT
}

// MaxSubIndex returns the highest valid sub-index for this entry.
func (e *Entry) MaxSubIndex() uint8 {
	if !e.IsAggregate() {
		return 0
	}
	if len(e.subs) == 0 {
		return 0
	}
	return uint8(len(e.subs) - 1)
}

// Sub returns the Variable at subIndex, or ErrSubOutOfRange /
// ErrSubNotSupported.
func (e *Entry) Sub(subIndex uint8) (*Variable, error) {
	if !e.IsAggregate() {
		if subIndex != 0 {
			return nil, ErrSubNotSupported
		}
		if e.variable == nil {
			return nil, ErrDoesNotExist
		}
		return e.variable, nil
	}
	if int(subIndex) >= len(e.subs) {
		return nil, ErrSubOutOfRange
	}
	return e.subs[subIndex], nil
}

// AddSub appends a new data sub-object to an aggregate entry, growing its
// max-sub-index. ParseEDS uses it to add each sub-section of an EDS
// RECORD/ARRAY/DEFSTRUCT object in turn.
func (e *Entry) AddSub(variable *Variable) error {
	if !e.IsAggregate() {
		return ErrSubNotSupported
	}
	variable.Index = e.Index
	variable.SubIndex = uint8(len(e.subs))
	e.subs = append(e.subs, variable)
	return nil
}

// ForEachSub calls fn for every sub-object of an aggregate entry, including
// sub-index 0. For a scalar entry it is called once with the VAR variable.
func (e *Entry) ForEachSub(fn func(*Variable) error) error {
	if !e.IsAggregate() {
		if e.variable == nil {
			return nil
		}
		return fn(e.variable)
	}
	for _, s := range e.subs {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}
