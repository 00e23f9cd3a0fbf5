package codesign

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
	"howett.net/plist"
)

const (
	testFileSize     = 0x3000
	testTextSize     = 0x2000
	testSectionStart = 0x800
	testVMBase       = 0x100000000
	mhDylib          = 0x6
)

type machOSpec struct {
	arch      Arch
	fileType  uint32
	encrypted bool
	hasCrypt  bool
	// sectionAt overrides the __text section offset.
	sectionAt uint32
}

func putName(b []byte, name string) {
	copy(b[:16], name)
}

// buildMachO assembles a minimal 64-bit Mach-O image with __TEXT (one
// section) and __LINKEDIT segments, and optionally LC_ENCRYPTION_INFO_64.
func buildMachO(spec machOSpec) []byte {
	le := binary.LittleEndian
	data := make([]byte, testFileSize)
	for i := machHeader64; i < len(data); i++ {
		data[i] = byte(i * 7)
	}

	sectionAt := spec.sectionAt
	if sectionAt == 0 {
		sectionAt = testSectionStart
	}

	var cmds [][]byte

	text := make([]byte, 72+80)
	le.PutUint32(text[0:], LC_SEGMENT_64)
	le.PutUint32(text[4:], uint32(len(text)))
	putName(text[8:], "__TEXT")
	le.PutUint64(text[24:], testVMBase)
	le.PutUint64(text[32:], testTextSize)
	le.PutUint64(text[40:], 0)
	le.PutUint64(text[48:], testTextSize)
	le.PutUint32(text[56:], 5)
	le.PutUint32(text[60:], 5)
	le.PutUint32(text[64:], 1)
	sect := text[72:]
	putName(sect[0:], "__text")
	putName(sect[16:], "__TEXT")
	le.PutUint64(sect[32:], testVMBase+uint64(sectionAt))
	le.PutUint64(sect[40:], 0x100)
	le.PutUint32(sect[48:], sectionAt)
	le.PutUint32(sect[52:], 2)
	le.PutUint32(sect[64:], 0x80000400)
	cmds = append(cmds, text)

	linkedit := make([]byte, 72)
	le.PutUint32(linkedit[0:], LC_SEGMENT_64)
	le.PutUint32(linkedit[4:], 72)
	putName(linkedit[8:], "__LINKEDIT")
	le.PutUint64(linkedit[24:], testVMBase+testTextSize)
	le.PutUint64(linkedit[32:], testFileSize-testTextSize)
	le.PutUint64(linkedit[40:], testTextSize)
	le.PutUint64(linkedit[48:], testFileSize-testTextSize)
	le.PutUint32(linkedit[56:], 1)
	le.PutUint32(linkedit[60:], 1)
	cmds = append(cmds, linkedit)

	if spec.hasCrypt || spec.encrypted {
		crypt := make([]byte, 24)
		le.PutUint32(crypt[0:], uint32(types.LC_ENCRYPTION_INFO_64))
		le.PutUint32(crypt[4:], 24)
		le.PutUint32(crypt[8:], sectionAt)
		le.PutUint32(crypt[12:], 0x100)
		if spec.encrypted {
			le.PutUint32(crypt[16:], 1)
		}
		cmds = append(cmds, crypt)
	}

	off := machHeader64
	var sizeofcmds int
	for _, c := range cmds {
		copy(data[off:], c)
		off += len(c)
		sizeofcmds += len(c)
	}
	// Keep the gap between load commands and the first section empty.
	clear(data[off:sectionAt])

	le.PutUint32(data[0:], MH_MAGIC_64)
	le.PutUint32(data[4:], spec.arch.CPU)
	le.PutUint32(data[8:], spec.arch.SubCPU)
	le.PutUint32(data[12:], spec.fileType)
	le.PutUint32(data[16:], uint32(len(cmds)))
	le.PutUint32(data[20:], uint32(sizeofcmds))
	le.PutUint32(data[24:], 0)
	le.PutUint32(data[28:], 0)
	return data
}

// buildTestFat wraps thin images in a fat file, in order, taking each
// slice's CPU type and subtype from its header.
func buildTestFat(images ...[]byte) []byte {
	slices := make([]fatSlice, len(images))
	for i, img := range images {
		slices[i] = fatSlice{
			CPU:    binary.LittleEndian.Uint32(img[4:]),
			SubCPU: binary.LittleEndian.Uint32(img[8:]),
			Align:  14,
		}
	}
	return buildFat(slices, images)
}

func writeTestFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatal(err)
	}
}

func writeInfoPlist(t *testing.T, dir, exec, id string) {
	t.Helper()
	data, err := plist.Marshal(map[string]interface{}{
		"CFBundleExecutable": exec,
		"CFBundleIdentifier": id,
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(dir, "Info.plist"), data)
}

// codeDirectoryBlob returns the raw CodeDirectory of a signed thin image.
func codeDirectoryBlob(t *testing.T, image []byte) (*CodeDirectoryInfo, []byte) {
	t.Helper()
	sig, err := ParseSignature(image)
	if err != nil {
		t.Fatalf("ParseSignature failed: %v", err)
	}
	if sig.CodeDirectory == nil {
		t.Fatal("no CodeDirectory in signature")
	}
	sigOff, _, _ := findCodeSignatureOffset(image)
	blob := sig.Blobs[0]
	start := sigOff + blob.Offset
	return sig.CodeDirectory, image[start : start+blob.Size]
}
