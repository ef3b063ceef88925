package e820

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

// EFIMemoryType is the UEFI memory descriptor type.
type EFIMemoryType uint32

const (
	EfiReservedMemoryType EFIMemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
)

const efiPageSize = 0x1000

// EFIDescriptorSize is the descriptor stride firmware hands over: the 40
// byte descriptor plus 8 bytes of padding.
const EFIDescriptorSize = 48

// EFIDescriptor is one UEFI memory map descriptor.
type EFIDescriptor struct {
	Type      EFIMemoryType
	Pad       uint32
	PhysAddr  uint64
	VirtAddr  uint64
	NumPages  uint64
	Attribute uint64
}

// TypeFromEFI maps a UEFI memory type onto an E820 type. Memory the OS may
// reclaim after boot services exit counts as usable.
func TypeFromEFI(t EFIMemoryType) Type {
	switch t {
	case EfiLoaderCode, EfiLoaderData, EfiBootServicesCode, EfiBootServicesData, EfiConventionalMemory:
		return Memory
	case EfiACPIReclaimMemory:
		return ACPI
	case EfiACPIMemoryNVS:
		return NVS
	default:
		return Reserved
	}
}

// FromEFI converts UEFI descriptors into an E820 map.
func FromEFI(descs []EFIDescriptor) Map {
	m := make(Map, 0, len(descs))
	for _, d := range descs {
		m = append(m, Entry{
			Base:   d.PhysAddr,
			Length: d.NumPages * efiPageSize,
			Type:   TypeFromEFI(d.Type),
		})
	}
	return m
}

// DecodeEFIMap splits a raw UEFI memory map of size bytes into descriptors
// spaced stride bytes apart. Trailing partial descriptors are ignored.
func DecodeEFIMap(data []byte, stride int) ([]EFIDescriptor, error) {
	if stride < 40 {
		return nil, fmt.Errorf("EFI descriptor stride %d too small", stride)
	}
	var descs []EFIDescriptor
	for off := 0; off+stride <= len(data); off += stride {
		var d EFIDescriptor
		if err := struc.UnpackWithOrder(bytes.NewReader(data[off:off+40]), &d, binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("decode EFI descriptor %d: %w", off/stride, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// EncodeEFIMap is the inverse of DecodeEFIMap with zeroed padding.
func EncodeEFIMap(descs []EFIDescriptor, stride int) ([]byte, error) {
	if stride < 40 {
		return nil, fmt.Errorf("EFI descriptor stride %d too small", stride)
	}
	out := make([]byte, 0, len(descs)*stride)
	for _, d := range descs {
		var buf bytes.Buffer
		if err := struc.PackWithOrder(&buf, &d, binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("encode EFI descriptor: %w", err)
		}
		out = append(out, buf.Bytes()...)
		out = append(out, make([]byte, stride-buf.Len())...)
	}
	return out, nil
}
