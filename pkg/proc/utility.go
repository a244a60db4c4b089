package proc

// UtilityFunction is a small routine compiled from fixed source text so
// it can be uploaded into the target and called from the debugger. Its
// entry address never changes once installed.
type UtilityFunction interface {
	// Install uploads the compiled routine into the target.
	Install() error
	// EntryAddress returns the routine's entry point in the target.
	// Only valid after a successful Install.
	EntryAddress() uint64
}

// UtilityInstaller compiles fixed source text into an installable
// routine. It wraps the debugger's expression compiler and is external
// to this core.
type UtilityInstaller interface {
	GetUtilityFunction(source string, exportedName string) (UtilityFunction, error)
}
