package codesign

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// BinaryInfo summarizes one Mach-O file.
type BinaryInfo struct {
	Path          string         `yaml:"path"`
	Architectures []string       `yaml:"architectures"`
	Encrypted     bool           `yaml:"encrypted"`
	Signature     *SignatureInfo `yaml:"signature,omitempty"`
}

// SignatureInfo holds the parsed code signature of the first slice.
type SignatureInfo struct {
	Blobs         []BlobIndexEntry   `yaml:"blobs"`
	CodeDirectory *CodeDirectoryInfo `yaml:"code_directory,omitempty"`
}

// BlobIndexEntry represents a single blob in the SuperBlob index
type BlobIndexEntry struct {
	Type   uint32 `yaml:"type"`
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
	Magic  uint32 `yaml:"magic"`
}

// CodeDirectoryInfo contains CodeDirectory details
type CodeDirectoryInfo struct {
	Version       uint32 `yaml:"version"`
	Flags         uint32 `yaml:"flags"`
	HashType      uint8  `yaml:"hash_type"`
	HashSize      uint8  `yaml:"hash_size"`
	Identifier    string `yaml:"identifier"`
	PageSize      uint32 `yaml:"page_size"`
	CodeLimit     uint32 `yaml:"code_limit"`
	ExecSegBase   uint64 `yaml:"exec_seg_base"`
	ExecSegLimit  uint64 `yaml:"exec_seg_limit"`
	ExecSegFlags  uint64 `yaml:"exec_seg_flags"`
	NSpecialSlots uint32 `yaml:"special_slots"`
	NCodeSlots    uint32 `yaml:"code_slots"`
	hashOffset    uint32
}

// Adhoc reports whether the code directory carries the ad-hoc flag.
func (cd *CodeDirectoryInfo) Adhoc() bool {
	return cd.Flags&CS_ADHOC != 0
}

// Describe reads the architectures, encryption state and signature of the
// Mach-O at path.
func (t *Toolchain) Describe(path string) (*BinaryInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}

	images, _, err := parseImages(data)
	if err != nil {
		return nil, err
	}

	info := &BinaryInfo{Path: path, Encrypted: encrypted(images)}
	for _, img := range images {
		info.Architectures = append(info.Architectures, img.Arch.String())
	}
	if sig, err := ParseSignature(images[0].bytes(data)); err == nil {
		info.Signature = sig
	}
	return info, nil
}

// ParseSignature parses the embedded signature of a thin image.
func ParseSignature(image []byte) (*SignatureInfo, error) {
	sigOffset, sigSize, found := findCodeSignatureOffset(image)
	if !found {
		return nil, fmt.Errorf("no code signature found")
	}
	if uint64(sigOffset)+uint64(sigSize) > uint64(len(image)) {
		return nil, fmt.Errorf("code signature extends beyond file")
	}
	sigData := image[sigOffset : sigOffset+sigSize]

	if len(sigData) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sigData); magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}
	count := binary.BigEndian.Uint32(sigData[8:12])
	if uint64(len(sigData)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	info := &SignatureInfo{}
	for i := uint32(0); i < count; i++ {
		entryOffset := 12 + i*8
		entry := BlobIndexEntry{
			Type:   binary.BigEndian.Uint32(sigData[entryOffset:]),
			Offset: binary.BigEndian.Uint32(sigData[entryOffset+4:]),
		}
		if uint64(entry.Offset)+8 <= uint64(len(sigData)) {
			entry.Magic = binary.BigEndian.Uint32(sigData[entry.Offset:])
			entry.Size = binary.BigEndian.Uint32(sigData[entry.Offset+4:])
		}
		info.Blobs = append(info.Blobs, entry)

		if entry.Type != CSSLOT_CODEDIRECTORY || uint64(entry.Offset)+uint64(entry.Size) > uint64(len(sigData)) {
			continue
		}
		if cd, err := parseCodeDirectory(sigData[entry.Offset : entry.Offset+entry.Size]); err == nil {
			info.CodeDirectory = cd
		}
	}
	return info, nil
}

// parseCodeDirectory parses a CodeDirectory blob
func parseCodeDirectory(data []byte) (*CodeDirectoryInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("CodeDirectory too short")
	}

	cd := &CodeDirectoryInfo{
		Version:       binary.BigEndian.Uint32(data[8:12]),
		Flags:         binary.BigEndian.Uint32(data[12:16]),
		hashOffset:    binary.BigEndian.Uint32(data[16:20]),
		NSpecialSlots: binary.BigEndian.Uint32(data[24:28]),
		NCodeSlots:    binary.BigEndian.Uint32(data[28:32]),
		CodeLimit:     binary.BigEndian.Uint32(data[32:36]),
		HashSize:      data[36],
		HashType:      data[37],
		PageSize:      1 << data[39],
	}

	identOffset := binary.BigEndian.Uint32(data[20:24])
	if identOffset < uint32(len(data)) {
		end := identOffset
		for end < uint32(len(data)) && data[end] != 0 {
			end++
		}
		cd.Identifier = string(data[identOffset:end])
	}

	if cd.Version >= 0x20400 && len(data) >= codeDirectoryHeaderSize {
		cd.ExecSegBase = binary.BigEndian.Uint64(data[64:72])
		cd.ExecSegLimit = binary.BigEndian.Uint64(data[72:80])
		cd.ExecSegFlags = binary.BigEndian.Uint64(data[80:88])
	}
	return cd, nil
}

// codeHash returns the hash stored for code page i.
func (cd *CodeDirectoryInfo) codeHash(blob []byte, i uint32) []byte {
	off := cd.hashOffset + i*uint32(cd.HashSize)
	if uint64(off)+uint64(cd.HashSize) > uint64(len(blob)) {
		return nil
	}
	return blob[off : off+uint32(cd.HashSize)]
}

// PrintBinaryInfo writes a human-readable summary of info to w.
func PrintBinaryInfo(w io.Writer, info *BinaryInfo) {
	fmt.Fprintf(w, "  Architectures: %v\n", info.Architectures)
	fmt.Fprintf(w, "  Encrypted:     %v\n", info.Encrypted)
	if info.Signature == nil {
		fmt.Fprintf(w, "  Signature:     none\n")
		return
	}

	fmt.Fprintf(w, "  Signature:     %d blobs\n", len(info.Signature.Blobs))
	for _, blob := range info.Signature.Blobs {
		fmt.Fprintf(w, "    %s: slot 0x%x, %d bytes\n", blobTypeName(blob.Type), blob.Type, blob.Size)
	}
	if cd := info.Signature.CodeDirectory; cd != nil {
		kind := "signed"
		if cd.Adhoc() {
			kind = "ad-hoc"
		}
		fmt.Fprintf(w, "    Identifier: %s (%s)\n", cd.Identifier, kind)
		fmt.Fprintf(w, "    Pages:      %d x %d bytes, %d special slots\n", cd.NCodeSlots, cd.PageSize, cd.NSpecialSlots)
	}
}

// blobTypeName returns a human-readable name for a blob type
func blobTypeName(blobType uint32) string {
	switch blobType {
	case CSSLOT_CODEDIRECTORY:
		return "CodeDirectory"
	case CSSLOT_REQUIREMENTS:
		return "Requirements"
	case CSSLOT_SIGNATURESLOT:
		return "CMS Signature"
	default:
		return fmt.Sprintf("Unknown (0x%x)", blobType)
	}
}
