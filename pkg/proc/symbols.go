package proc

// Module is one loaded image (executable or shared library) of the
// target.
type Module struct {
	// Name is the path or soname the image was loaded from.
	Name string
	// LoadAddress is the base load address of the image.
	LoadAddress uint64
}

// Address is a load address together with the module containing it, when
// one does. A raw address that no loaded image backs has a nil Module.
type Address struct {
	Load   uint64
	Module *Module
}

// Symbol is a symbol-table entry owning a range of addresses. Name may
// be mangled; consumers demangle as needed.
type Symbol struct {
	Name   string
	Module *Module
}

// SymbolResolver is the symbol-table port of the examined process,
// backed by the debugger's symbol indexes.
type SymbolResolver interface {
	// ResolveLoadAddress maps addr to the module containing it. ok is
	// false when no loaded image covers addr.
	ResolveLoadAddress(addr uint64) (Address, bool)
	// SymbolAt returns the symbol whose address range contains addr.
	SymbolAt(addr uint64) (Symbol, bool)
	// FindTypesByName returns all declared types whose name is exactly
	// name. A non-nil module restricts the search to that module's debug
	// information.
	FindTypesByName(name string, module *Module) []Type
}

// TypeKind is the coarse classification of a compiled type that dynamic
// type resolution needs.
type TypeKind uint8

const (
	KindOther TypeKind = iota
	KindClass
	KindPointer
	KindReference
)

// Type is a handle on a compiled type in the target's debug information.
// Implemented by the symbol layer (typically on top of DWARF).
type Type interface {
	Name() string
	Kind() TypeKind
	// Elem returns the pointed-to type for pointer and reference types,
	// nil for everything else.
	Elem() Type
	// PointerTo derives the pointer-to-receiver type.
	PointerTo() Type
	// ReferenceTo derives the reference-to-receiver type.
	ReferenceTo() Type
	// Same reports whether other denotes the same defined type.
	Same(other Type) bool
}

// Value is a snapshot of a variable of the target, as handed in by the
// value-formatting layer.
type Value interface {
	// DeclaredType is the value's static type.
	DeclaredType() Type
	// PointerValue returns the pointer payload for pointer- and
	// reference-typed values. ok is false for other values and when the
	// payload could not be read.
	PointerValue() (addr uint64, ok bool)
}
