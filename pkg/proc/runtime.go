package proc

// TypeAndOrName holds the result of dynamic type discovery: a resolved
// compiled type, a bare class name, or both. When both are present the
// type is authoritative and the name is informational.
type TypeAndOrName struct {
	Type Type
	Name string
}

// HasType returns whether a compiled type was resolved.
func (t TypeAndOrName) HasType() bool {
	return t.Type != nil
}

// IsEmpty returns whether neither a type nor a name is known.
func (t TypeAndOrName) IsEmpty() bool {
	return t.Type == nil && t.Name == ""
}

// TypeName returns the name of whatever is known.
func (t TypeAndOrName) TypeName() string {
	if t.Type != nil {
		return t.Type.Name()
	}
	return t.Name
}

// LanguageRuntime discovers runtime properties of values that only exist
// in the live target, not in its binary image. Implementations may walk
// ABI data structures in target memory directly (cxxruntime) or call
// into the target's own runtime library (sysruntime); which one is used
// depends on what data is needed, not on the value's provenance.
type LanguageRuntime interface {
	// CouldHaveDynamicValue reports whether v's static type even allows
	// a different runtime type. It must not touch target memory.
	CouldHaveDynamicValue(v Value) bool
	// ResolveDynamicType returns v's true runtime type and the address
	// of the complete object holding it. found is false when the runtime
	// type is the static type or cannot be determined; that is a routine
	// outcome, not an error.
	ResolveDynamicType(v Value) (typ TypeAndOrName, addr Address, found bool)
}
