package valuecodec

import (
	"strings"
)

//DataType is the closed set of value types the gateway knows how to present and write
type DataType int

const (
	Unknown DataType = iota
	Boolean
	SByte
	Byte
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Word
	DWord
	Float
	Double
	Real
	LReal
	String
	Char
	DateTime
	ByteString
	LocalizedText
	QualifiedName
	NodeID
	GUID
	StatusCode
	ExtensionObject
)

//Family groups data types that share presentation and validation rules
type Family int

const (
	FamilyOther Family = iota
	FamilyBoolean
	FamilyInteger
	FamilyFloat
	FamilyString
)

var names = map[DataType]string{
	Unknown:         "Unknown",
	Boolean:         "Boolean",
	SByte:           "SByte",
	Byte:            "Byte",
	Int16:           "Int16",
	UInt16:          "UInt16",
	Int32:           "Int32",
	UInt32:          "UInt32",
	Int64:           "Int64",
	UInt64:          "UInt64",
	Word:            "Word",
	DWord:           "DWord",
	Float:           "Float",
	Double:          "Double",
	Real:            "Real",
	LReal:           "LReal",
	String:          "String",
	Char:            "Char",
	DateTime:        "DateTime",
	ByteString:      "ByteString",
	LocalizedText:   "LocalizedText",
	QualifiedName:   "QualifiedName",
	NodeID:          "NodeId",
	GUID:            "Guid",
	StatusCode:      "StatusCode",
	ExtensionObject: "ExtensionObject",
}

// IEC 61131-3 spellings used by PLC tag tables.
var aliases = map[string]DataType{
	"bool":  Boolean,
	"sint":  SByte,
	"usint": Byte,
	"int":   Int16,
	"uint":  UInt16,
	"dint":  Int32,
	"udint": UInt32,
	"lint":  Int64,
	"ulint": UInt64,
}

var byName = func() map[string]DataType {
	m := make(map[string]DataType, len(names)+len(aliases))
	for dt, name := range names {
		m[strings.ToLower(name)] = dt
	}
	for alias, dt := range aliases {
		m[alias] = dt
	}
	return m
}()

//ParseDataType resolves a type tag case insensitively. Unrecognised tags resolve to Unknown.
func ParseDataType(tag string) DataType {
	if dt, ok := byName[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return dt
	}
	return Unknown
}

func (dt DataType) String() string {
	if name, ok := names[dt]; ok {
		return name
	}
	return names[Unknown]
}

//MarshalText lets data types travel as their names in JSON and YAML
func (dt DataType) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}

//UnmarshalText is the inverse of MarshalText
func (dt *DataType) UnmarshalText(text []byte) error {
	*dt = ParseDataType(string(text))
	return nil
}

//Family returns the presentation family of the data type
func (dt DataType) Family() Family {
	switch dt {
	case Boolean:
		return FamilyBoolean
	case SByte, Byte, Int16, UInt16, Int32, UInt32, Int64, UInt64, Word, DWord:
		return FamilyInteger
	case Float, Double, Real, LReal:
		return FamilyFloat
	case String, Char:
		return FamilyString
	case Unknown, DateTime, ByteString, LocalizedText, QualifiedName, NodeID, GUID, StatusCode, ExtensionObject:
		return FamilyOther
	}
	return FamilyOther
}

func (dt DataType) unsigned() bool {
	switch dt {
	case Byte, UInt16, UInt32, UInt64, Word, DWord:
		return true
	}
	return false
}

func (dt DataType) bitSize() int {
	switch dt {
	case SByte, Byte:
		return 8
	case Int16, UInt16, Word:
		return 16
	case Int32, UInt32, DWord, Float, Real:
		return 32
	}
	return 64
}
