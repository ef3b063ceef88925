package boot

import (
	"errors"
	"fmt"
)

// Status is a numeric boot failure code. Stages halt on any non-zero
// status; the value is what reaches the serial and VGA diagnostics.
type Status uint32

const Success Status = 0

// Starter stage.
const (
	StarterDeadloop              Status = 0xDEADDEAD
	StarterInvalidMultibootMagic Status = 0xDEAD0000
	StarterModuleOverlapsLoader  Status = 0xDEAD0001
	StarterMultibootFlagConflict Status = 0xDEAD0002
	StarterNoMemoryMap           Status = 0xDEAD0003
	StarterNoVMXSupport          Status = 0xDEAD0004
	StarterNoLoaderMemory        Status = 0xDEAD0005
	StarterNoRuntimeMemory       Status = 0xDEAD0006
	StarterLoaderRuntimeOverlap  Status = 0xDEAD0007
	StarterLoaderRelocateFailed  Status = 0xDEAD0008
	StarterLoaderImageInfoFailed Status = 0xDEAD0009
	StarterLoaderImageTooSmall   Status = 0xDEAD000A
	StarterNoFileMappingHeader   Status = 0xDEAD000B
	StarterBinaryMissing         Status = 0xDEAD000C
	StarterInvalidLoaderAddr     Status = 0xDEAD000D
	StarterLoaderFileMissing     Status = 0xDEAD000E
	StarterStartAPImageTooSmall  Status = 0xDEAD000F
	StarterStartAPFileMissing    Status = 0xDEAD0010
	StarterHypervisorFileMissing Status = 0xDEAD0011
	StarterStructureSizeMismatch Status = 0xDEAD0012
)

// Loader stage.
const (
	LoaderHypervisorImageInfoFailed Status = 0xC000DEAD
	LoaderDecompressFailed          Status = 0xC001DEAD
	LoaderHypervisorLoadFailed      Status = 0xC002DEAD
	LoaderStartAPImageInfoFailed    Status = 0xC003DEAD
	LoaderStartAPLoadFailed         Status = 0xC004DEAD
	LoaderStartupEnvFailed          Status = 0xC005DEAD
	LoaderHeapOutOfMemory           Status = 0xC006DEAD
	LoaderThunkFailed               Status = 0xC007DEAD
	LoaderNoAPWakeupAddress         Status = 0xC008DEAD
	PrimaryGuestEnvFailed           Status = 0xC009DEAD
	SecondaryGuestEnvFailed         Status = 0xC00ADEAD
	HideRuntimeMemoryFailed         Status = 0xC00BDEAD
	CodingError                     Status = 0xC00CDEAD
	LoaderProtocolOpsFailed         Status = 0xC00DDEAD
	LoaderInit32Failed              Status = 0xC00EDEAD
)

// String handling.
const (
	StringInvalidParameter Status = 0xB000DEAD
	CmdlineValueTooLong    Status = 0xB001DEAD
)

var statusNames = map[Status]string{
	Success: "success",

	StarterDeadloop:              "starter dead loop",
	StarterInvalidMultibootMagic: "invalid multiboot magic",
	StarterModuleOverlapsLoader:  "module memory overlaps loader",
	StarterMultibootFlagConflict: "multiboot flag conflict",
	StarterNoMemoryMap:           "no memory map",
	StarterNoVMXSupport:          "no VMX support",
	StarterNoLoaderMemory:        "no available loader memory in E820",
	StarterNoRuntimeMemory:       "no available runtime memory in E820",
	StarterLoaderRuntimeOverlap:  "loader and runtime memory overlap",
	StarterLoaderRelocateFailed:  "failed to relocate loader",
	StarterLoaderImageInfoFailed: "failed to get loader image info",
	StarterLoaderImageTooSmall:   "loader image area too small",
	StarterNoFileMappingHeader:   "no file mapping header",
	StarterBinaryMissing:         "some binary missing",
	StarterInvalidLoaderAddr:     "invalid loader binary address",
	StarterLoaderFileMissing:     "loader file missing",
	StarterStartAPImageTooSmall:  "startap image area too small",
	StarterStartAPFileMissing:    "startap file missing",
	StarterHypervisorFileMissing: "hypervisor file missing",
	StarterStructureSizeMismatch: "structure size mismatch",

	LoaderHypervisorImageInfoFailed: "failed to get hypervisor image info",
	LoaderDecompressFailed:          "failed to decompress hypervisor",
	LoaderHypervisorLoadFailed:      "failed to load hypervisor image",
	LoaderStartAPImageInfoFailed:    "failed to get startap image info",
	LoaderStartAPLoadFailed:         "failed to load startap image",
	LoaderStartupEnvFailed:          "failed to set up startup environment",
	LoaderHeapOutOfMemory:           "loader heap out of memory",
	LoaderThunkFailed:               "failed to call startap",
	LoaderNoAPWakeupAddress:         "no valid AP wakeup code address",
	PrimaryGuestEnvFailed:           "failed to set up primary guest",
	SecondaryGuestEnvFailed:         "failed to set up secondary guests",
	HideRuntimeMemoryFailed:         "failed to hide runtime memory",
	CodingError:                     "coding error",
	LoaderProtocolOpsFailed:         "unknown boot protocol",
	LoaderInit32Failed:              "failed to set up 32-bit init",

	StringInvalidParameter: "invalid string parameter",
	CmdlineValueTooLong:    "command line value too long",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%#010x (%s)", uint32(s), name)
	}
	return fmt.Sprintf("%#010x", uint32(s))
}

func (s Status) Error() string { return "boot status " + s.String() }

// Error is a failed stage: the status that halts the boot and its cause.
type Error struct {
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Status.Error()
	}
	return fmt.Sprintf("%v: %v", e.Status.Error(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Status so errors.Is(err, StarterNoFileMappingHeader)
// works on wrapped failures.
func (e *Error) Is(target error) bool {
	s, ok := target.(Status)
	return ok && s == e.Status
}

func fail(s Status, err error) error {
	return &Error{Status: s, Err: err}
}

func failf(s Status, format string, args ...any) error {
	return &Error{Status: s, Err: fmt.Errorf(format, args...)}
}

// StatusOf returns the status carried by err. Errors that carry none are
// reported as CodingError.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return CodingError
}
