package core

import "fmt"

// PE section characteristics bits relevant to data-segment discovery.
// Grounded on saferwall-pe's dosheader.go/ntheader.go section-characteristic
// constants.
const (
	imageSCNCntInitializedData   = 0x00000040
	imageSCNCntUninitializedData = 0x00000080
)

const (
	dosMagic   = 0x5A4D     // "MZ"
	peSigMagic = 0x00004550 // "PE\0\0"
	peOffsetAt = 0x3C

	optHdrMagicPE32     = 0x010B
	optHdrMagicPE32Plus = 0x020B
)

// PESection is one entry of a PE image's section table, with its virtual
// address range resolved against the image's load base.
type PESection struct {
	Name            string
	VirtualAddress  Address // absolute, i.e. imageBase + RVA
	VirtualSize     int64
	Characteristics uint32
}

func (s PESection) IsInitializedData() bool {
	return s.Characteristics&imageSCNCntInitializedData != 0
}

func (s PESection) IsUninitializedData() bool {
	return s.Characteristics&imageSCNCntUninitializedData != 0
}

// ReadPESections parses the DOS header, COFF header, and section table of a
// PE image mapped into the target process at imageBase, reading live
// through r rather than from a file on disk.
//
// Adapted from xyproto-vibe67/pe_reader.go's OpenPE/readDOSHeader/
// readPEHeaders/readSections, which does the same walk against an os.File;
// here the "file" is the target's own mapped image.
func ReadPESections(r *MemoryReader, imageBase Address) ([]PESection, error) {
	magic, err := r.ReadU16(imageBase)
	if err != nil {
		return nil, fmt.Errorf("reading DOS magic: %w", err)
	}
	if magic != dosMagic {
		return nil, fmt.Errorf("not a PE image: DOS magic 0x%04x", magic)
	}

	peOff, err := r.ReadU32(imageBase.Add(peOffsetAt))
	if err != nil {
		return nil, fmt.Errorf("reading PE header offset: %w", err)
	}
	peHdr := imageBase.Add(int64(peOff))

	sig, err := r.ReadU32(peHdr)
	if err != nil {
		return nil, fmt.Errorf("reading PE signature: %w", err)
	}
	if sig != peSigMagic {
		return nil, fmt.Errorf("bad PE signature 0x%08x", sig)
	}

	// COFF header immediately follows the signature:
	//   Machine(2) NumberOfSections(2) TimeDateStamp(4) PointerToSymbolTable(4)
	//   NumberOfSymbols(4) SizeOfOptionalHeader(2) Characteristics(2)
	coff := peHdr.Add(4)
	numSections, err := r.ReadU16(coff.Add(2))
	if err != nil {
		return nil, fmt.Errorf("reading section count: %w", err)
	}
	sizeOptHdr, err := r.ReadU16(coff.Add(16))
	if err != nil {
		return nil, fmt.Errorf("reading optional header size: %w", err)
	}

	optHdr := coff.Add(20)
	if sizeOptHdr > 0 {
		magic, err := r.ReadU16(optHdr)
		if err != nil {
			return nil, fmt.Errorf("reading optional header magic: %w", err)
		}
		if magic != optHdrMagicPE32 && magic != optHdrMagicPE32Plus {
			return nil, fmt.Errorf("unknown optional header magic 0x%04x", magic)
		}
	}

	sectionTable := optHdr.Add(int64(sizeOptHdr))
	const sectionHeaderSize = 40 // Name(8) + 6*u32 + 2*u16 + u32
	sections := make([]PESection, 0, numSections)
	for i := 0; i < int(numSections); i++ {
		base := sectionTable.Add(int64(i) * sectionHeaderSize)
		nameBytes, err := r.ReadBytes(base, 8)
		if err != nil {
			return nil, fmt.Errorf("reading section %d name: %w", i, err)
		}
		rva, err := r.ReadU32(base.Add(12))
		if err != nil {
			return nil, fmt.Errorf("reading section %d virtual address: %w", i, err)
		}
		vsize, err := r.ReadU32(base.Add(8))
		if err != nil {
			return nil, fmt.Errorf("reading section %d virtual size: %w", i, err)
		}
		chars, err := r.ReadU32(base.Add(36))
		if err != nil {
			return nil, fmt.Errorf("reading section %d characteristics: %w", i, err)
		}
		sections = append(sections, PESection{
			Name:            trimSectionName(nameBytes),
			VirtualAddress:  imageBase.Add(int64(rva)),
			VirtualSize:     int64(vsize),
			Characteristics: chars,
		})
	}
	return sections, nil
}

func trimSectionName(b []byte) string {
	n := indexZero(b)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// DataSegments filters sections to those carrying initialized or
// uninitialized data, in section-table order — the set spec.md §4.2 calls
// a module's "data segments".
func DataSegments(sections []PESection) []Segment {
	var out []Segment
	for _, s := range sections {
		if s.IsInitializedData() || s.IsUninitializedData() {
			out = append(out, Segment{Base: s.VirtualAddress, Size: s.VirtualSize})
		}
	}
	return out
}
