package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownCapability is returned when a bulk operation is asked to run a
// capability it does not know.
var ErrUnknownCapability = errors.New("unknown capability")

// Toolchain performs the per-file work behind the executable capabilities.
// Implementations must be safe for concurrent use on distinct paths.
type Toolchain interface {
	Fakesign(path string) error
	Thin(path string) error
	IsEncrypted(path string) (bool, error)
}

// Executable is a signable artifact. Flat binaries and nested bundles both
// satisfy it, so callers never need to know which one they hold.
type Executable interface {
	// Path is the Mach-O file the capabilities operate on.
	Path() string
	Fakesign() error
	Thin() error
	IsEncrypted() (bool, error)
}

// Binary is a flat executable: a single Mach-O file such as a dylib or the
// main executable of a bundle.
type Binary struct {
	path      string
	toolchain Toolchain
}

// NewBinary wraps the Mach-O file at path.
func NewBinary(path string, tc Toolchain) *Binary {
	return &Binary{path: path, toolchain: tc}
}

func (b *Binary) Path() string    { return b.path }
func (b *Binary) Fakesign() error { return b.toolchain.Fakesign(b.path) }
func (b *Binary) Thin() error     { return b.toolchain.Thin(b.path) }

func (b *Binary) IsEncrypted() (bool, error) {
	return b.toolchain.IsEncrypted(b.path)
}

// NestedBundle is an extension or framework directory. Its capabilities are
// forwarded to the executable named by its own Info.plist.
type NestedBundle struct {
	dir    string
	binary *Binary
}

// OpenNestedBundle resolves the primary executable of the bundle at dir.
func OpenNestedBundle(dir string, tc Toolchain) (*NestedBundle, error) {
	m, err := LoadManifest(filepath.Join(dir, "Info.plist"))
	if err != nil {
		return nil, err
	}
	bin, err := primaryBinary(dir, m, tc)
	if err != nil {
		return nil, err
	}
	return &NestedBundle{dir: dir, binary: bin}, nil
}

// Dir returns the bundle directory.
func (n *NestedBundle) Dir() string { return n.dir }

func (n *NestedBundle) Path() string    { return n.binary.Path() }
func (n *NestedBundle) Fakesign() error { return n.binary.Fakesign() }
func (n *NestedBundle) Thin() error     { return n.binary.Thin() }

func (n *NestedBundle) IsEncrypted() (bool, error) {
	return n.binary.IsEncrypted()
}

func primaryBinary(dir string, m *Manifest, tc Toolchain) (*Binary, error) {
	name, err := m.String("CFBundleExecutable")
	if err != nil {
		return nil, fmt.Errorf("failed to get executable name: %w", err)
	}
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == ".." {
		return nil, fmt.Errorf("invalid executable name %q: %w", name, ErrManifestKey)
	}
	return NewBinary(filepath.Join(dir, name), tc), nil
}

// Suffixes of secondary executables discovered under a bundle.
const (
	suffixDylib     = ".dylib"
	suffixExtension = ".appex"
	suffixFramework = ".framework"
)

func isArtifactName(name string) bool {
	return strings.HasSuffix(name, suffixDylib) ||
		strings.HasSuffix(name, suffixExtension) ||
		strings.HasSuffix(name, suffixFramework)
}

// ResolveExecutable turns a discovered artifact path into an Executable.
// Directories are nested bundles; everything else is a flat binary.
func ResolveExecutable(path string, tc Toolchain) (Executable, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return OpenNestedBundle(path, tc)
	}
	return NewBinary(path, tc), nil
}

// Capability names a bulk transformation.
type Capability int

const (
	Fakesign Capability = iota + 1
	Thin
)

func (c Capability) String() string {
	switch c {
	case Fakesign:
		return "fakesign"
	case Thin:
		return "thin"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

func (c Capability) apply(e Executable) error {
	switch c {
	case Fakesign:
		return e.Fakesign()
	case Thin:
		return e.Thin()
	default:
		return ErrUnknownCapability
	}
}

func (c Capability) valid() bool {
	return c == Fakesign || c == Thin
}
