package classify

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// elfSection describes one section to be laid out by buildELF.
type elfSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	data  []byte
}

// buildELF assembles a minimal, hand-built ELF64 little-endian object: a
// file header, the given sections (each backed by real file content), and
// a trailing section-header table with a synthesized .shstrtab. It exists
// because classify's three headline behaviors only run against a real
// elf.File, and no fixture binary is available in the retrieved pack.
func buildELF(typ elf.Type, sections []elfSection) []byte {
	all := append([]elfSection{{name: ""}}, sections...)
	all = append(all, elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB})

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(all))
	for i, s := range all {
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	all[len(all)-1].data = shstrtab.Bytes()

	const ehsize = 64
	const shentsize = 64

	// Lay out section content right after the header; each section's
	// file offset is simply the running cursor, 8-byte aligned.
	offsets := make([]uint64, len(all))
	cursor := uint64(ehsize)
	for i, s := range all {
		if len(s.data) == 0 {
			offsets[i] = 0
			continue
		}
		if cursor%8 != 0 {
			cursor += 8 - cursor%8
		}
		offsets[i] = cursor
		cursor += uint64(len(s.data))
	}
	shoff := cursor
	if shoff%8 != 0 {
		shoff += 8 - shoff%8
	}

	var buf bytes.Buffer
	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */},
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: shentsize,
		Shnum:     uint16(len(all)),
		Shstrndx:  uint16(len(all) - 1),
	}
	binary.Write(&buf, binary.LittleEndian, &hdr)

	for i, s := range all {
		if len(s.data) == 0 {
			continue
		}
		buf.Write(make([]byte, int(offsets[i])-buf.Len()))
		buf.Write(s.data)
	}
	buf.Write(make([]byte, int(shoff)-buf.Len()))

	for i, s := range all {
		sh := elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Addralign: 1,
		}
		binary.Write(&buf, binary.LittleEndian, &sh)
	}

	return buf.Bytes()
}

// uleb128 appends an unsigned LEB128 encoding of v to p.
func uleb128(p []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		p = append(p, b)
		if v == 0 {
			return p
		}
	}
}

// buildDWARF2 assembles a .debug_abbrev/.debug_info/.debug_line triple
// describing one compile unit with the given comp dir and source file
// names (each resolved against compDir by debug/dwarf unless absolute).
func buildDWARF2(compDir string, files []string) (abbrev, info, line []byte) {
	// .debug_abbrev: abbrev code 1 -> DW_TAG_compile_unit, no children,
	// DW_AT_comp_dir/DW_FORM_string and DW_AT_stmt_list/DW_FORM_data4.
	var a bytes.Buffer
	a.Write(uleb128(nil, 1))    // abbrev code
	a.Write(uleb128(nil, 0x11)) // DW_TAG_compile_unit
	a.WriteByte(0)              // has_children = false
	a.Write(uleb128(nil, 0x1b)) // DW_AT_comp_dir
	a.Write(uleb128(nil, 0x08)) // DW_FORM_string
	a.Write(uleb128(nil, 0x10)) // DW_AT_stmt_list
	a.Write(uleb128(nil, 0x06)) // DW_FORM_data4
	a.Write(uleb128(nil, 0))    // (attr, form) terminator
	a.Write(uleb128(nil, 0))
	a.Write(uleb128(nil, 0)) // abbrev table terminator

	// .debug_line: a DWARF2 line-program header with no directories and
	// the given file names, an empty line-number program body.
	var lineBody bytes.Buffer
	lineBody.WriteByte(0) // include_directories terminator (none)
	for _, f := range files {
		lineBody.WriteString(f)
		lineBody.WriteByte(0)
		lineBody.Write(uleb128(nil, 0)) // directory index
		lineBody.Write(uleb128(nil, 0)) // mtime
		lineBody.Write(uleb128(nil, 0)) // length
	}
	lineBody.WriteByte(0) // file_names terminator

	var l bytes.Buffer
	var afterHeader bytes.Buffer
	afterHeader.WriteByte(1)    // minimum_instruction_length
	afterHeader.WriteByte(1)    // default_is_stmt
	afterHeader.WriteByte(0xfb) // line_base = -5
	afterHeader.WriteByte(14)   // line_range
	afterHeader.WriteByte(13)   // opcode_base
	afterHeader.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}) // standard_opcode_lengths[1..12]
	afterHeader.Write(lineBody.Bytes())
	headerLength := uint32(afterHeader.Len())

	binary.Write(&l, binary.LittleEndian, uint16(2)) // version
	binary.Write(&l, binary.LittleEndian, headerLength)
	l.Write(afterHeader.Bytes())
	// No line-number program bytes follow; the reader never runs the
	// state machine in this test, only Files().

	unitLength := uint32(l.Len())
	var lineSec bytes.Buffer
	binary.Write(&lineSec, binary.LittleEndian, unitLength)
	lineSec.Write(l.Bytes())

	// .debug_info: one DWARF2 compile-unit header and DIE.
	var die bytes.Buffer
	die.Write(uleb128(nil, 1)) // abbrev code 1
	die.WriteString(compDir)
	die.WriteByte(0)
	binary.Write(&die, binary.LittleEndian, uint32(0)) // stmt_list offset into .debug_line

	var infoBody bytes.Buffer
	binary.Write(&infoBody, binary.LittleEndian, uint16(2)) // version
	binary.Write(&infoBody, binary.LittleEndian, uint32(0)) // debug_abbrev_offset
	infoBody.WriteByte(8)                                   // address_size
	infoBody.Write(die.Bytes())

	unitLen := uint32(infoBody.Len())
	var infoSec bytes.Buffer
	binary.Write(&infoSec, binary.LittleEndian, unitLen)
	infoSec.Write(infoBody.Bytes())

	return a.Bytes(), infoSec.Bytes(), lineSec.Bytes()
}
