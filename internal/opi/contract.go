package opi

import (
	"math"
	"strings"
)

// Kind is the scalar type of a field.
type Kind int

const (
	KindString Kind = iota
	KindDouble
	KindInt
	KindBool
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindDouble:
		return "double"
	case KindInt:
		return "int"
	case KindBool:
		return "boolean"
	case KindEnum:
		return "enum"
	}
	return "unknown"
}

func (k Kind) numeric() bool { return k == KindDouble || k == KindInt }

// Type is a field's kind, optionally as a list.
type Type struct {
	Kind Kind
	List bool
}

func (t Type) String() string {
	if t.List {
		return "list of " + t.Kind.String()
	}
	return t.Kind.String()
}

// ParameterSpec declares one accepted request field. Min and Max are
// inclusive and apply to numeric scalars and to every element of numeric
// lists.
type ParameterSpec struct {
	Name        string
	Type        Type
	Min         float64
	Max         float64
	Enum        []string
	Optional    bool
	Default     any
	Description string
}

// Param declares a required scalar field with unbounded range.
func Param(name string, kind Kind) ParameterSpec {
	return ParameterSpec{Name: name, Type: Type{Kind: kind}, Min: math.Inf(-1), Max: math.Inf(1)}
}

// ListParam declares a required list field with unbounded element range.
func ListParam(name string, kind Kind) ParameterSpec {
	p := Param(name, kind)
	p.Type.List = true
	return p
}

// Between sets inclusive numeric bounds.
func (p ParameterSpec) Between(min, max float64) ParameterSpec {
	p.Min, p.Max = min, max
	return p
}

// OneOf sets the accepted enum values.
func (p ParameterSpec) OneOf(values ...string) ParameterSpec {
	p.Enum = values
	return p
}

// Opt marks the field optional. A non-nil def is filled in when the field is
// absent.
func (p ParameterSpec) Opt(def any) ParameterSpec {
	p.Optional = true
	p.Default = def
	return p
}

// Doc attaches a description.
func (p ParameterSpec) Doc(text string) ParameterSpec {
	p.Description = text
	return p
}

func (p ParameterSpec) expected() string {
	switch {
	case p.Type.Kind == KindEnum:
		return p.Type.String() + " {" + strings.Join(p.Enum, ",") + "}"
	case p.Type.Kind.numeric() && (!math.IsInf(p.Min, -1) || !math.IsInf(p.Max, 1)):
		return p.Type.String() + " in " + formatRange(p.Min, p.Max)
	}
	return p.Type.String()
}

// ReturnSpec declares one field of a successful reply.
type ReturnSpec struct {
	Name        string
	Type        Type
	Min         float64
	Max         float64
	Description string
}

// Returns declares a scalar reply field.
func Returns(name string, kind Kind, doc string) ReturnSpec {
	return ReturnSpec{Name: name, Type: Type{Kind: kind}, Min: math.Inf(-1), Max: math.Inf(1), Description: doc}
}

// ReturnsList declares a list reply field.
func ReturnsList(name string, kind Kind, doc string) ReturnSpec {
	r := Returns(name, kind, doc)
	r.Type.List = true
	return r
}

// Contract is the declared request and reply shape of one command.
type Contract struct {
	Params  []ParameterSpec
	Returns []ReturnSpec
}

// ChooseContract is shared by every machine; it is owned by the core since the
// machine is unknown until CHOOSE succeeds.
func ChooseContract(machines []string) Contract {
	return Contract{
		Params: []ParameterSpec{
			Param("machine", KindEnum).OneOf(machines...).Doc("Machine to drive for this session"),
		},
		Returns: []ReturnSpec{
			Returns("machine", KindString, "Selected machine"),
			Returns("session", KindString, "Session identifier"),
		},
	}
}
