package codesign

// Ad-hoc code signing based on Go's cmd/internal/codesign.

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"howett.net/plist"
)

// Code signature constants from Apple's cs_blobs.h
const (
	PageSizeBits = 12
	PageSize     = 1 << PageSizeBits

	CSMAGIC_REQUIREMENTS       = 0xfade0c01
	CSMAGIC_CODEDIRECTORY      = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE = 0xfade0cc0
	CSMAGIC_BLOBWRAPPER        = 0xfade0b01

	CSSLOT_CODEDIRECTORY = 0
	CSSLOT_INFOSLOT      = 1
	CSSLOT_REQUIREMENTS  = 2
	CSSLOT_SIGNATURESLOT = 0x10000

	CS_ADHOC = 0x2

	CS_HASHTYPE_SHA256 = 2

	CS_EXECSEG_MAIN_BINARY = 0x1

	LC_CODE_SIGNATURE      = 0x1d
	LC_CODE_SIGNATURE_SIZE = 16

	codeDirectoryVersion    = 0x20400
	codeDirectoryHeaderSize = 88
	specialSlots            = 2
	superBlobBlobCount      = 3
	emptyRequirementsSize   = 12
	emptyBlobWrapperSize    = 8
)

// put32be writes a big-endian uint32
func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

// put64be writes a big-endian uint64
func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

func align(n, to uint64) uint64 {
	return (n + to - 1) &^ (to - 1)
}

// signatureSize computes the padded size of an ad-hoc signature covering
// codeSize bytes.
func signatureSize(codeSize int64, id string) uint32 {
	nhashes := (codeSize + PageSize - 1) / PageSize
	cdirSz := int64(codeDirectoryHeaderSize) + int64(len(id)+1) + (specialSlots+nhashes)*sha256.Size
	total := int64(12+superBlobBlobCount*8) + cdirSz + emptyRequirementsSize + emptyBlobWrapperSize
	return uint32(align(uint64(total), 16))
}

// signingParams carries what the code directory needs besides the code.
type signingParams struct {
	identifier   string
	infoPlist    []byte
	execSegBase  uint64
	execSegLimit uint64
	execSegFlags uint64
}

// signThin replaces or adds the ad-hoc signature of the single-architecture
// image data, parsed as m, and returns the new image.
func signThin(data []byte, m *macho.File, id string, infoPlist []byte) ([]byte, error) {
	hdr, err := parseThinHeader(data)
	if err != nil {
		return nil, err
	}
	is64 := m.Magic == types.Magic64

	params := signingParams{identifier: id, infoPlist: infoPlist}
	if hdr.fileType == MH_EXECUTE {
		params.execSegFlags = CS_EXECSEG_MAIN_BINARY
	}

	var (
		linkeditCmd                    uint32
		linkeditFileoff, linkeditMemsz uint64
		csCmd, csOffset                uint32
	)
	cmdOffset := hdr.headerSize
	for _, load := range m.Loads {
		switch l := load.(type) {
		case *macho.Segment:
			switch l.Name {
			case "__TEXT":
				params.execSegBase = l.Offset
				params.execSegLimit = l.Filesz
			case "__LINKEDIT":
				linkeditCmd = cmdOffset
				linkeditFileoff = l.Offset
				linkeditMemsz = l.Memsz
			}
		case *macho.CodeSignature:
			csCmd = cmdOffset
			csOffset = l.Offset
		}
		cmdOffset += load.LoadSize()
	}

	var code []byte
	if csCmd != 0 {
		if uint64(csOffset) > uint64(len(data)) {
			return nil, fmt.Errorf("code signature offset 0x%x beyond file", csOffset)
		}
		code = make([]byte, csOffset)
		copy(code, data[:csOffset])
	} else {
		code, csCmd, err = addCodeSignatureCommand(data, hdr)
		if err != nil {
			return nil, err
		}
	}

	codeSize := uint64(len(code))
	sigSize := signatureSize(int64(codeSize), id)

	binary.LittleEndian.PutUint32(code[csCmd+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(code[csCmd+12:], sigSize)

	// __LINKEDIT must cover the signature.
	if linkeditCmd != 0 {
		filesz := codeSize + uint64(sigSize) - linkeditFileoff
		vmsize := max(linkeditMemsz, align(filesz, PageSize))
		if is64 {
			binary.LittleEndian.PutUint64(code[linkeditCmd+32:], vmsize)
			binary.LittleEndian.PutUint64(code[linkeditCmd+48:], filesz)
		} else {
			binary.LittleEndian.PutUint32(code[linkeditCmd+28:], uint32(vmsize))
			binary.LittleEndian.PutUint32(code[linkeditCmd+36:], uint32(filesz))
		}
	}

	sig := buildAdhocSignature(code, params)
	if uint32(len(sig)) > sigSize {
		return nil, fmt.Errorf("signature is %d bytes, reserved %d", len(sig), sigSize)
	}

	result := make([]byte, codeSize+uint64(sigSize))
	copy(result, code)
	copy(result[codeSize:], sig)
	return result, nil
}

// addCodeSignatureCommand appends an LC_CODE_SIGNATURE load command to a
// copy of data padded to 16 bytes. It returns the copy and the offset of the
// new command.
func addCodeSignatureCommand(data []byte, hdr thinHeader) ([]byte, uint32, error) {
	loadCmdsEnd := hdr.headerSize + hdr.sizeofcmds
	if limit := firstSectionOffset(data); limit != 0 && loadCmdsEnd+LC_CODE_SIGNATURE_SIZE > limit {
		return nil, 0, fmt.Errorf("no room to add LC_CODE_SIGNATURE load command (need %d bytes, only %d available)",
			LC_CODE_SIGNATURE_SIZE, limit-loadCmdsEnd)
	}
	if uint64(loadCmdsEnd)+LC_CODE_SIGNATURE_SIZE > uint64(len(data)) {
		return nil, 0, fmt.Errorf("no room to add LC_CODE_SIGNATURE load command")
	}

	code := make([]byte, align(uint64(len(data)), 16))
	copy(code, data)

	binary.LittleEndian.PutUint32(code[16:20], hdr.ncmds+1)
	binary.LittleEndian.PutUint32(code[20:24], hdr.sizeofcmds+LC_CODE_SIGNATURE_SIZE)

	binary.LittleEndian.PutUint32(code[loadCmdsEnd:], LC_CODE_SIGNATURE)
	binary.LittleEndian.PutUint32(code[loadCmdsEnd+4:], LC_CODE_SIGNATURE_SIZE)
	return code, loadCmdsEnd, nil
}

// buildAdhocSignature lays out a SuperBlob holding the code directory, an
// empty requirements set and an empty CMS wrapper.
func buildAdhocSignature(code []byte, p signingParams) []byte {
	cdir := buildCodeDirectory(code, p)

	headerSize := 12 + superBlobBlobCount*8
	cdirOffset := headerSize
	reqOffset := cdirOffset + len(cdir)
	cmsOffset := reqOffset + emptyRequirementsSize
	totalSize := cmsOffset + emptyBlobWrapperSize

	superBlob := make([]byte, totalSize)
	outp := superBlob

	outp = put32be(outp, CSMAGIC_EMBEDDED_SIGNATURE)
	outp = put32be(outp, uint32(totalSize))
	outp = put32be(outp, superBlobBlobCount)

	outp = put32be(outp, CSSLOT_CODEDIRECTORY)
	outp = put32be(outp, uint32(cdirOffset))
	outp = put32be(outp, CSSLOT_REQUIREMENTS)
	outp = put32be(outp, uint32(reqOffset))
	outp = put32be(outp, CSSLOT_SIGNATURESLOT)
	outp = put32be(outp, uint32(cmsOffset))

	outp = puts(outp, cdir)
	outp = puts(outp, emptyRequirements())

	outp = put32be(outp, CSMAGIC_BLOBWRAPPER)
	put32be(outp, emptyBlobWrapperSize)

	return superBlob
}

func emptyRequirements() []byte {
	blob := make([]byte, emptyRequirementsSize)
	outp := put32be(blob, CSMAGIC_REQUIREMENTS)
	outp = put32be(outp, emptyRequirementsSize)
	put32be(outp, 0)
	return blob
}

// buildCodeDirectory creates a SHA-256 ad-hoc CodeDirectory blob.
func buildCodeDirectory(code []byte, p signingParams) []byte {
	codeSize := int64(len(code))
	nhashes := (codeSize + PageSize - 1) / PageSize

	idOff := uint32(codeDirectoryHeaderSize)
	hashOff := idOff + uint32(len(p.identifier)+1) + specialSlots*sha256.Size
	cdirLen := hashOff + uint32(nhashes)*sha256.Size

	cdir := make([]byte, cdirLen)
	outp := cdir

	outp = put32be(outp, CSMAGIC_CODEDIRECTORY)
	outp = put32be(outp, cdirLen)
	outp = put32be(outp, codeDirectoryVersion)
	outp = put32be(outp, CS_ADHOC)         // flags
	outp = put32be(outp, hashOff)          // hashOffset
	outp = put32be(outp, idOff)            // identOffset
	outp = put32be(outp, specialSlots)     // nSpecialSlots
	outp = put32be(outp, uint32(nhashes))  // nCodeSlots
	outp = put32be(outp, uint32(codeSize)) // codeLimit
	outp = put8(outp, sha256.Size)         // hashSize
	outp = put8(outp, CS_HASHTYPE_SHA256)  // hashType
	outp = put8(outp, 0)                   // platform
	outp = put8(outp, PageSizeBits)        // pageSize
	outp = put32be(outp, 0)                // spare2
	outp = put32be(outp, 0)                // scatterOffset
	outp = put32be(outp, 0)                // teamOffset
	outp = put32be(outp, 0)                // spare3
	outp = put64be(outp, 0)                // codeLimit64
	outp = put64be(outp, p.execSegBase)
	outp = put64be(outp, p.execSegLimit)
	outp = put64be(outp, p.execSegFlags)

	outp = puts(outp, []byte(p.identifier+"\x00"))

	// Special slots in reverse order: -2 requirements, -1 Info.plist.
	outp = puts(outp, computeHash(emptyRequirements()))
	outp = puts(outp, computeHash(p.infoPlist))

	for off := int64(0); off < codeSize; off += PageSize {
		end := min(off+PageSize, codeSize)
		outp = puts(outp, computeHash(code[off:end]))
	}

	return cdir
}

// computeHash returns the SHA-256 of data, or zeros for empty data.
func computeHash(data []byte) []byte {
	if len(data) == 0 {
		return make([]byte, sha256.Size)
	}
	h := sha256.Sum256(data)
	return h[:]
}

// signFat signs every slice and rebuilds the fat file.
func signFat(data []byte, images []machoImage, id string, infoPlist []byte) ([]byte, error) {
	signed := make([][]byte, len(images))
	slices := make([]fatSlice, len(images))
	for i, img := range images {
		out, err := signThin(img.bytes(data), img.File, id, infoPlist)
		if err != nil {
			return nil, fmt.Errorf("failed to sign %s slice: %w", img.Arch, err)
		}
		signed[i] = out
		slices[i] = fatSlice{CPU: img.Arch.CPU, SubCPU: img.Arch.SubCPU, Align: img.Align}
	}
	return buildFat(slices, signed), nil
}

// buildFat writes a fat header for slices followed by images, each aligned
// to 16KB.
func buildFat(slices []fatSlice, images [][]byte) []byte {
	const alignment = 0x4000

	offset := uint64(fatHeaderSize + len(slices)*fatArchSize)
	for i := range slices {
		offset = align(offset, alignment)
		slices[i].Offset = uint32(offset)
		slices[i].Size = uint32(len(images[i]))
		offset += uint64(len(images[i]))
	}

	result := make([]byte, offset)
	binary.BigEndian.PutUint32(result, FAT_MAGIC)
	binary.BigEndian.PutUint32(result[4:], uint32(len(slices)))
	for i, s := range slices {
		base := fatHeaderSize + i*fatArchSize
		binary.BigEndian.PutUint32(result[base:], s.CPU)
		binary.BigEndian.PutUint32(result[base+4:], s.SubCPU)
		binary.BigEndian.PutUint32(result[base+8:], s.Offset)
		binary.BigEndian.PutUint32(result[base+12:], s.Size)
		binary.BigEndian.PutUint32(result[base+16:], s.Align)
		copy(result[s.Offset:], images[i])
	}
	return result
}

// signingIdentity picks the identifier and Info.plist for the executable at
// path. A binary named by its directory's Info.plist uses that bundle ID;
// anything else is identified by its file name.
func signingIdentity(path string) (string, []byte) {
	name := filepath.Base(path)
	infoPath := filepath.Join(filepath.Dir(path), "Info.plist")
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return name, nil
	}

	var info struct {
		Identifier string `plist:"CFBundleIdentifier"`
		Executable string `plist:"CFBundleExecutable"`
	}
	if _, err := plist.Unmarshal(data, &info); err != nil || info.Executable != name || info.Identifier == "" {
		return name, nil
	}
	return info.Identifier, data
}

// fakesignFile writes an ad-hoc signature into the Mach-O at path,
// replacing any existing signature.
func fakesignFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	id, infoPlist := signingIdentity(path)

	images, fat, err := parseImages(data)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", filepath.Base(path), err)
	}
	var signed []byte
	if fat {
		signed, err = signFat(data, images, id, infoPlist)
	} else {
		signed, err = signThin(data, images[0].File, id, infoPlist)
	}
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", filepath.Base(path), err)
	}

	return os.WriteFile(path, signed, info.Mode().Perm())
}
