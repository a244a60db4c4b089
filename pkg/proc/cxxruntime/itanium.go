// Package cxxruntime resolves the true runtime type of polymorphic C++
// values by walking the Itanium ABI virtual table layout in the memory
// of the examined process.
//
// If a type has a vtable pointer in the object it will be at offset 0
// and it points at the "address point" inside the vtable, not at its
// beginning. The symbol containing the address point, demangled, names
// the runtime class. The signed word two pointers above the address
// point is the offset-to-top: the offset from the vtable pointer field
// back to the start of the complete object.
package cxxruntime

import (
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ianlancetaylor/demangle"

	"github.com/spelunk-dbg/spelunk/pkg/logflags"
	"github.com/spelunk-dbg/spelunk/pkg/proc"
)

const vtableDemangledPrefix = "vtable for "

// dynamicTypeCacheSize bounds the per-process memoization of vtable
// address point resolutions.
const dynamicTypeCacheSize = 256

// ItaniumRuntime implements proc.LanguageRuntime for one examined
// process. Construct it on attach and drop it on detach.
type ItaniumRuntime struct {
	p   proc.Process
	res proc.SymbolResolver

	// dynamicTypes memoizes the class type reached from a vtable
	// address point. The address point of a class never changes while
	// its image stays loaded, so hits skip the symbol and type lookups.
	dynamicTypes *lru.Cache
}

// NewItaniumRuntime returns the dynamic type resolver for p.
func NewItaniumRuntime(p proc.Process, res proc.SymbolResolver) *ItaniumRuntime {
	cache, _ := lru.New(dynamicTypeCacheSize)
	return &ItaniumRuntime{p: p, res: res, dynamicTypes: cache}
}

// CouldHaveDynamicValue reports whether v could even have a runtime type
// different from its static type: only a pointer or reference to a
// class can. No target memory is touched.
func (rt *ItaniumRuntime) CouldHaveDynamicValue(v proc.Value) bool {
	typ := v.DeclaredType()
	if typ == nil {
		return false
	}
	switch typ.Kind() {
	case proc.KindPointer, proc.KindReference:
		elem := typ.Elem()
		return elem != nil && elem.Kind() == proc.KindClass
	}
	return false
}

// ResolveDynamicType finds v's runtime type and the address of the
// complete object holding it. Every failure, including "the runtime
// type is the static type", degrades to found == false: absence of
// runtime type information is a routine outcome for non-polymorphic or
// stripped binaries.
func (rt *ItaniumRuntime) ResolveDynamicType(v proc.Value) (proc.TypeAndOrName, proc.Address, bool) {
	if !rt.CouldHaveDynamicValue(v) {
		return proc.TypeAndOrName{}, proc.Address{}, false
	}

	originalPtr, ok := v.PointerValue()
	if !ok || originalPtr == 0 || originalPtr == proc.InvalidAddress {
		return proc.TypeAndOrName{}, proc.Address{}, false
	}

	ptrSize := rt.p.PtrSize()

	// The vtable pointer is the first field of the object.
	vtableAddressPoint, err := proc.ReadUintRaw(rt.p, originalPtr, ptrSize)
	if err != nil {
		return proc.TypeAndOrName{}, proc.Address{}, false
	}

	classType, className, ok := rt.classFromAddressPoint(v, originalPtr, vtableAddressPoint)
	if !ok {
		return proc.TypeAndOrName{}, proc.Address{}, false
	}

	// The dynamic type we found may be the static type; that is not a
	// discovery.
	static := v.DeclaredType().Elem()
	if static != nil && static.Same(classType) {
		dyntypeLog("%#x: static-type = '%s' is not dynamic", originalPtr, static.Name())
		return proc.TypeAndOrName{}, proc.Address{}, false
	}

	// The offset-to-top is two pointers above the address point.
	offsetToTopLocation := vtableAddressPoint - 2*uint64(ptrSize)
	raw, err := proc.ReadUintRaw(rt.p, offsetToTopLocation, ptrSize)
	if err != nil {
		return proc.TypeAndOrName{}, proc.Address{}, false
	}
	offsetToTop := signed(raw, ptrSize)

	// The complete object starts offset_to_top bytes from the original
	// pointer.
	dynamicAddr := uint64(int64(originalPtr) + offsetToTop)
	addr, ok := rt.res.ResolveLoadAddress(dynamicAddr)
	if !ok {
		addr = proc.Address{Load: dynamicAddr}
	}

	ton := rt.fixUpDynamicType(proc.TypeAndOrName{Type: classType, Name: className}, v)
	dyntypeLog("%#x: has dynamic type '%s' at %#x", originalPtr, ton.TypeName(), dynamicAddr)
	return ton, addr, true
}

// classFromAddressPoint resolves the vtable address point to the class
// type it belongs to.
func (rt *ItaniumRuntime) classFromAddressPoint(v proc.Value, originalPtr, vtableAddressPoint uint64) (proc.Type, string, bool) {
	if cached, ok := rt.dynamicTypes.Get(vtableAddressPoint); ok {
		ent := cached.(dynamicTypeEntry)
		return ent.typ, ent.name, true
	}

	if _, ok := rt.res.ResolveLoadAddress(vtableAddressPoint); !ok {
		return nil, "", false
	}
	sym, ok := rt.res.SymbolAt(vtableAddressPoint)
	if !ok {
		return nil, "", false
	}
	name := demangle.Filter(sym.Name)
	if !strings.HasPrefix(name, vtableDemangledPrefix) {
		return nil, "", false
	}
	dyntypeLog("%#x: static-type = '%s' has vtable symbol '%s'", originalPtr, staticTypeName(v), name)

	className := name[len(vtableDemangledPrefix):]

	// Look for a single exact match in the module the vtable symbol
	// came from first, then fall back to all loaded modules.
	matches := rt.res.FindTypesByName(className, sym.Module)
	if len(matches) == 0 {
		matches = rt.res.FindTypesByName(className, nil)
	}

	var classType proc.Type
	switch {
	case len(matches) == 0:
		dyntypeLog("%#x: no type named '%s'", originalPtr, className)
		return nil, "", false
	case len(matches) == 1:
		classType = matches[0]
	default:
		// Multiple matches are duplicate definitions of the same class;
		// take the first that is a genuine class declaration.
		for _, m := range matches {
			if m.Kind() == proc.KindClass {
				classType = m
				break
			}
		}
		if classType == nil {
			dyntypeLog("%#x: multiple matches for '%s', none class-shaped", originalPtr, className)
			return nil, "", false
		}
	}

	rt.dynamicTypes.Add(vtableAddressPoint, dynamicTypeEntry{typ: classType, name: className})
	return classType, className, true
}

type dynamicTypeEntry struct {
	typ  proc.Type
	name string
}

// fixUpDynamicType re-applies the static value's indirection to the
// resolved type: the runtime type of a Base* is Derived*, never a bare
// Derived.
func (rt *ItaniumRuntime) fixUpDynamicType(ton proc.TypeAndOrName, v proc.Value) proc.TypeAndOrName {
	static := v.DeclaredType()
	if static == nil {
		return ton
	}
	switch static.Kind() {
	case proc.KindPointer:
		if ton.HasType() {
			ton.Type = ton.Type.PointerTo()
		} else if ton.Name != "" {
			ton.Name += " *"
		}
	case proc.KindReference:
		if ton.HasType() {
			ton.Type = ton.Type.ReferenceTo()
		} else if ton.Name != "" {
			ton.Name += " &"
		}
	}
	return ton
}

func signed(raw uint64, size int) int64 {
	switch size {
	case 4:
		return int64(int32(uint32(raw)))
	default:
		return int64(raw)
	}
}

func staticTypeName(v proc.Value) string {
	if t := v.DeclaredType(); t != nil {
		return t.Name()
	}
	return "<unknown>"
}

func dyntypeLog(fmtstr string, args ...interface{}) {
	logflags.DynTypeLogger().Debugf(fmtstr, args...)
}
