package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
)

// Mach-O header constants from <mach-o/loader.h> and <mach-o/fat.h>
const (
	FAT_MAGIC   = 0xcafebabe
	MH_MAGIC    = 0xfeedface
	MH_MAGIC_64 = 0xfeedfacf

	MH_EXECUTE = 0x2

	LC_SEGMENT    = 0x1
	LC_SEGMENT_64 = 0x19

	fatHeaderSize  = 8
	fatArchSize    = 20
	maxFatArches   = 64
	machHeaderSize = 28
	machHeader64   = 32
)

// ErrNotMachO is returned for files that are neither thin nor fat Mach-O.
var ErrNotMachO = errors.New("not a Mach-O file")

// fatSlice is one entry of a fat header.
type fatSlice struct {
	CPU    uint32
	SubCPU uint32
	Offset uint32
	Size   uint32
	Align  uint32
}

func isFat(data []byte) bool {
	return len(data) >= fatHeaderSize && binary.BigEndian.Uint32(data) == FAT_MAGIC
}

// parseFatHeader reads the arch table of a fat file and checks that every
// slice lies inside data.
func parseFatHeader(data []byte) ([]fatSlice, error) {
	if !isFat(data) {
		return nil, ErrNotMachO
	}
	n := binary.BigEndian.Uint32(data[4:8])
	if n == 0 || n > maxFatArches {
		return nil, fmt.Errorf("invalid fat header: %d architectures", n)
	}
	if len(data) < fatHeaderSize+int(n)*fatArchSize {
		return nil, fmt.Errorf("truncated fat header")
	}

	slices := make([]fatSlice, n)
	for i := range slices {
		base := fatHeaderSize + i*fatArchSize
		s := fatSlice{
			CPU:    binary.BigEndian.Uint32(data[base:]),
			SubCPU: binary.BigEndian.Uint32(data[base+4:]),
			Offset: binary.BigEndian.Uint32(data[base+8:]),
			Size:   binary.BigEndian.Uint32(data[base+12:]),
			Align:  binary.BigEndian.Uint32(data[base+16:]),
		}
		if uint64(s.Offset)+uint64(s.Size) > uint64(len(data)) {
			return nil, fmt.Errorf("fat slice %d extends beyond file", i)
		}
		slices[i] = s
	}
	return slices, nil
}

// bytes returns the image of s within data.
func (s fatSlice) bytes(data []byte) []byte {
	return data[s.Offset : s.Offset+s.Size]
}

// thinHeader describes a single-architecture Mach-O image.
type thinHeader struct {
	is64       bool
	fileType   uint32
	ncmds      uint32
	sizeofcmds uint32
	headerSize uint32
}

func parseThinHeader(data []byte) (thinHeader, error) {
	if len(data) < machHeaderSize {
		return thinHeader{}, ErrNotMachO
	}
	var h thinHeader
	switch binary.LittleEndian.Uint32(data) {
	case MH_MAGIC_64:
		if len(data) < machHeader64 {
			return thinHeader{}, ErrNotMachO
		}
		h.is64 = true
		h.headerSize = machHeader64
	case MH_MAGIC:
		h.headerSize = machHeaderSize
	default:
		return thinHeader{}, ErrNotMachO
	}
	h.fileType = binary.LittleEndian.Uint32(data[12:16])
	h.ncmds = binary.LittleEndian.Uint32(data[16:20])
	h.sizeofcmds = binary.LittleEndian.Uint32(data[20:24])
	if uint64(h.headerSize)+uint64(h.sizeofcmds) > uint64(len(data)) {
		return thinHeader{}, fmt.Errorf("load commands extend beyond file")
	}
	return h, nil
}

// loadCommand is a raw view of one load command. Offset is relative to the
// start of the thin image.
type loadCommand struct {
	Cmd    uint32
	Offset uint32
	Body   []byte
}

// loadCommands walks the load command area of a thin image.
func loadCommands(data []byte) (thinHeader, []loadCommand, error) {
	h, err := parseThinHeader(data)
	if err != nil {
		return h, nil, err
	}

	end := h.headerSize + h.sizeofcmds
	off := h.headerSize
	cmds := make([]loadCommand, 0, h.ncmds)
	for i := uint32(0); i < h.ncmds; i++ {
		if off+8 > end {
			return h, nil, fmt.Errorf("load command %d is truncated", i)
		}
		cmd := binary.LittleEndian.Uint32(data[off:])
		size := binary.LittleEndian.Uint32(data[off+4:])
		if size < 8 || off+size > end {
			return h, nil, fmt.Errorf("load command %d has invalid size %d", i, size)
		}
		cmds = append(cmds, loadCommand{Cmd: cmd, Offset: off, Body: data[off : off+size]})
		off += size
	}
	return h, cmds, nil
}

// findCodeSignatureOffset finds the LC_CODE_SIGNATURE data range without
// full parsing.
func findCodeSignatureOffset(data []byte) (offset, size uint32, found bool) {
	_, cmds, err := loadCommands(data)
	if err != nil {
		return 0, 0, false
	}
	for _, lc := range cmds {
		if lc.Cmd == LC_CODE_SIGNATURE && len(lc.Body) >= LC_CODE_SIGNATURE_SIZE {
			return binary.LittleEndian.Uint32(lc.Body[8:]), binary.LittleEndian.Uint32(lc.Body[12:]), true
		}
	}
	return 0, 0, false
}

// firstSectionOffset returns the lowest non-zero file offset of any section,
// which bounds how far the load command area may grow.
func firstSectionOffset(data []byte) uint32 {
	h, cmds, err := loadCommands(data)
	if err != nil {
		return 0
	}

	var lowest uint32
	for _, lc := range cmds {
		var nsects, first, stride, field uint32
		switch {
		case lc.Cmd == LC_SEGMENT_64 && h.is64 && len(lc.Body) >= 72:
			nsects = binary.LittleEndian.Uint32(lc.Body[64:])
			first, stride, field = 72, 80, 48
		case lc.Cmd == LC_SEGMENT && !h.is64 && len(lc.Body) >= 56:
			nsects = binary.LittleEndian.Uint32(lc.Body[48:])
			first, stride, field = 56, 68, 40
		default:
			continue
		}
		for i := uint32(0); i < nsects; i++ {
			at := first + i*stride + field
			if int(at)+4 > len(lc.Body) {
				break
			}
			off := binary.LittleEndian.Uint32(lc.Body[at:])
			if off != 0 && (lowest == 0 || off < lowest) {
				lowest = off
			}
		}
	}
	return lowest
}

// zeroSignatures returns a copy of data with the signature area of every
// slice cleared. go-macho chokes on some signature formats.
func zeroSignatures(data []byte) []byte {
	clean := bytes.Clone(data)
	images := [][]byte{clean}
	if isFat(clean) {
		slices, err := parseFatHeader(clean)
		if err != nil {
			return clean
		}
		images = images[:0]
		for _, s := range slices {
			images = append(images, s.bytes(clean))
		}
	}
	for _, img := range images {
		if off, size, found := findCodeSignatureOffset(img); found && off > 0 && off < uint32(len(img)) {
			clear(img[off:min(off+size, uint32(len(img)))])
		}
	}
	return clean
}

// machoImage is one slice of a thin or fat file as parsed by go-macho.
// Offset and Size locate the slice in the original data.
type machoImage struct {
	*macho.File
	Arch   Arch
	Offset uint32
	Size   uint32
	Align  uint32
}

func (img machoImage) bytes(data []byte) []byte {
	return data[img.Offset : img.Offset+img.Size]
}

// parseImages parses every slice of data. The second result reports
// whether data is a fat file.
func parseImages(data []byte) ([]machoImage, bool, error) {
	r := bytes.NewReader(zeroSignatures(data))

	fat, err := macho.NewFatFile(r)
	switch {
	case err == nil:
		images := make([]machoImage, len(fat.Arches))
		for i, a := range fat.Arches {
			if uint64(a.Offset)+uint64(a.Size) > uint64(len(data)) {
				return nil, true, fmt.Errorf("fat slice %d extends beyond file", i)
			}
			images[i] = machoImage{
				File:   a.File,
				Arch:   Arch{CPU: uint32(a.CPU), SubCPU: uint32(a.SubCPU)},
				Offset: a.Offset,
				Size:   a.Size,
				Align:  a.Align,
			}
		}
		return images, true, nil
	case !errors.Is(err, macho.ErrNotFat):
		if isFat(data) {
			return nil, true, fmt.Errorf("failed to parse fat binary: %w", err)
		}
		return nil, false, ErrNotMachO
	}

	m, err := macho.NewFile(r)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrNotMachO, err)
	}
	return []machoImage{{
		File: m,
		Arch: Arch{CPU: uint32(m.CPU), SubCPU: uint32(m.SubCPU)},
		Size: uint32(len(data)),
	}}, false, nil
}

// encrypted reports whether any image carries an encryption info load
// command with a non-zero cryptid.
func encrypted(images []machoImage) bool {
	for _, img := range images {
		for _, l := range img.Loads {
			switch lc := l.(type) {
			case *macho.EncryptionInfo:
				if lc.CryptID != 0 {
					return true
				}
			case *macho.EncryptionInfo64:
				if lc.CryptID != 0 {
					return true
				}
			}
		}
	}
	return false
}
