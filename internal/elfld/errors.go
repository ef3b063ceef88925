package elfld

import "errors"

var (
	ErrWrongFormat           = errors.New("not a supported ELF image")
	ErrNotExecutable         = errors.New("ELF image is not executable")
	ErrShortRead             = errors.New("image shorter than its headers describe")
	ErrUnalignedStart        = errors.New("lowest load address is not page aligned")
	ErrNoLoadableSegments    = errors.New("ELF image has no loadable segments")
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
	ErrNoRelocationTable     = errors.New("dynamic segment has no usable relocation table")
	ErrMissingSymbolTable    = errors.New("relocation references a missing symbol table")
	ErrHeaderNotInTarget     = errors.New("ELF header not present in target")
	ErrOutOfRange            = errors.New("address outside the loaded image")
	ErrAlreadyRelocated      = errors.New("load plan already relocated")
)
