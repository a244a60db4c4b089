package proc

import (
	"encoding/binary"
	"fmt"
)

// ArgKind is the type of one scalar argument of an inferior call.
type ArgKind uint8

const (
	// ArgPointer is a pointer in the target's address space.
	ArgPointer ArgKind = iota
	// ArgInt is a signed 32-bit integer.
	ArgInt
	// ArgUint64 is an unsigned 64-bit integer.
	ArgUint64
)

func (k ArgKind) String() string {
	switch k {
	case ArgPointer:
		return "pointer"
	case ArgInt:
		return "int"
	case ArgUint64:
		return "uint64"
	}
	return fmt.Sprintf("ArgKind(%d)", uint8(k))
}

// CallArg is one typed scalar argument. Argument lists are built fresh
// for every call.
type CallArg struct {
	Name  string
	Kind  ArgKind
	Value uint64
}

// PointerArg builds a pointer argument.
func PointerArg(name string, addr uint64) CallArg {
	return CallArg{Name: name, Kind: ArgPointer, Value: addr}
}

// IntArg builds a signed 32-bit integer argument.
func IntArg(name string, v int32) CallArg {
	return CallArg{Name: name, Kind: ArgInt, Value: uint64(uint32(v))}
}

// Uint64Arg builds an unsigned 64-bit integer argument.
func Uint64Arg(name string, v uint64) CallArg {
	return CallArg{Name: name, Kind: ArgUint64, Value: v}
}

// ArgSpec declares one argument of a routine's fixed signature.
type ArgSpec struct {
	Name string
	Kind ArgKind
}

// ArgShape is the fixed argument list a routine accepts, in call order.
type ArgShape []ArgSpec

func (shape ArgShape) check(args []CallArg) error {
	if len(args) != len(shape) {
		return fmt.Errorf("wrong number of arguments: got %d, want %d", len(args), len(shape))
	}
	for i := range shape {
		if args[i].Kind != shape[i].Kind {
			return fmt.Errorf("argument %d (%s) has kind %s, want %s", i, shape[i].Name, args[i].Kind, shape[i].Kind)
		}
	}
	return nil
}

// argSlotSize is the stride of one argument in the marshaled frame.
// Every scalar occupies one 8 byte slot; ArgInt uses the low 4 bytes.
const argSlotSize = 8

// encodeArgFrame marshals args into the byte frame that is written into
// the target ahead of the call.
func encodeArgFrame(args []CallArg) []byte {
	frame := make([]byte, len(args)*argSlotSize)
	for i, arg := range args {
		binary.LittleEndian.PutUint64(frame[i*argSlotSize:], arg.Value)
	}
	return frame
}
