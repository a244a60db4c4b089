// Package proc is the runtime-introspection core of the debugger: it
// models the examined (inferior) process and extracts information about
// it that cannot be read from its static binary image.
//
// The package itself only depends on four external ports, provided by
// the surrounding debugger:
//
//   - memory access and scratch allocation (MemoryReadWriter,
//     MemoryAllocator)
//   - symbol and type lookup (SymbolResolver)
//   - compilation and upload of utility routines (UtilityInstaller)
//   - the low level primitive that drives one thread of the target
//     through a synchronous call (CallInjector)
//
// On top of these it provides FunctionCaller, the bounded synchronous
// inferior-call layer, and the LanguageRuntime capability interface
// implemented by the cxxruntime subpackage. The sysruntime subpackage
// uses FunctionCaller to run repeatable structured queries against the
// target's own runtime library.
package proc
