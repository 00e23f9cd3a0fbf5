package codesign

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// CPU types and subtypes from <mach/machine.h>
const (
	CPU_ARCH_ABI64 = 0x01000000

	CPU_TYPE_X86    = 7
	CPU_TYPE_X86_64 = CPU_TYPE_X86 | CPU_ARCH_ABI64
	CPU_TYPE_ARM    = 12
	CPU_TYPE_ARM64  = CPU_TYPE_ARM | CPU_ARCH_ABI64

	CPU_SUBTYPE_X86_ALL   = 3
	CPU_SUBTYPE_ARM_V7    = 9
	CPU_SUBTYPE_ARM_V7S   = 11
	CPU_SUBTYPE_ARM64_ALL = 0
	CPU_SUBTYPE_ARM64E    = 2

	// The high byte of a subtype carries capability flags, such as the
	// pointer authentication ABI version of arm64e.
	cpuSubtypeBits = 0x00ffffff
)

// Arch identifies a Mach-O slice by CPU type and subtype.
type Arch struct {
	CPU    uint32
	SubCPU uint32
}

var (
	ArchARMv7  = Arch{CPU_TYPE_ARM, CPU_SUBTYPE_ARM_V7}
	ArchARMv7s = Arch{CPU_TYPE_ARM, CPU_SUBTYPE_ARM_V7S}
	ArchARM64  = Arch{CPU_TYPE_ARM64, CPU_SUBTYPE_ARM64_ALL}
	ArchARM64e = Arch{CPU_TYPE_ARM64, CPU_SUBTYPE_ARM64E}
	ArchI386   = Arch{CPU_TYPE_X86, CPU_SUBTYPE_X86_ALL}
	ArchX86_64 = Arch{CPU_TYPE_X86_64, CPU_SUBTYPE_X86_ALL}
)

// ErrArchNotFound is returned by Thin when the file has no slice for the
// requested architecture.
var ErrArchNotFound = errors.New("architecture not present")

var archNames = []struct {
	name string
	arch Arch
}{
	{"armv7", ArchARMv7},
	{"armv7s", ArchARMv7s},
	{"arm64", ArchARM64},
	{"arm64e", ArchARM64e},
	{"i386", ArchI386},
	{"x86_64", ArchX86_64},
}

// ParseArch maps an architecture name to its Mach-O CPU type and subtype.
func ParseArch(name string) (Arch, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "aarch64":
		return ArchARM64, nil
	case "arm":
		return ArchARMv7, nil
	case "amd64":
		return ArchX86_64, nil
	case "x86":
		return ArchI386, nil
	default:
		for _, a := range archNames {
			if a.name == n {
				return a.arch, nil
			}
		}
	}
	return Arch{}, fmt.Errorf("unknown architecture %q", name)
}

// Matches reports whether other names the same architecture. Capability
// bits of the subtype are ignored.
func (a Arch) Matches(other Arch) bool {
	return a.CPU == other.CPU && a.SubCPU&cpuSubtypeBits == other.SubCPU&cpuSubtypeBits
}

func (a Arch) String() string {
	for _, n := range archNames {
		if n.arch.Matches(a) {
			return n.name
		}
	}
	return fmt.Sprintf("cpu(0x%x/%d)", a.CPU, a.SubCPU&cpuSubtypeBits)
}

// Toolchain rewrites Mach-O executables on disk without any Apple tooling.
type Toolchain struct {
	// ThinArch is the slice kept by Thin.
	ThinArch Arch
}

// NewToolchain returns a Toolchain that thins to arch.
func NewToolchain(arch Arch) *Toolchain {
	return &Toolchain{ThinArch: arch}
}

// Fakesign writes an ad-hoc signature into every slice of the file at path.
func (t *Toolchain) Fakesign(path string) error {
	return fakesignFile(path)
}

// Thin reduces a fat file to its ThinArch slice. A thin file of the right
// architecture is left untouched.
func (t *Toolchain) Thin(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	images, fat, err := parseImages(data)
	if err != nil {
		return err
	}
	if !fat {
		if !t.ThinArch.Matches(images[0].Arch) {
			return fmt.Errorf("image is %s, want %s: %w", images[0].Arch, t.ThinArch, ErrArchNotFound)
		}
		return nil
	}
	for _, img := range images {
		if t.ThinArch.Matches(img.Arch) {
			return os.WriteFile(path, img.bytes(data), info.Mode().Perm())
		}
	}
	return fmt.Errorf("%s: %w", t.ThinArch, ErrArchNotFound)
}

// IsEncrypted reports whether any slice carries an encryption info load
// command with a non-zero cryptid.
func (t *Toolchain) IsEncrypted(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read file: %w", err)
	}
	images, _, err := parseImages(data)
	if err != nil {
		return false, err
	}
	return encrypted(images), nil
}
