package classify

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyExecutableWithDebugInfo(t *testing.T) {
	abbrev, info, line := buildDWARF2("/build", []string{"main.c", "/usr/src/foo/util.c"})

	raw := buildELF(elf.ET_EXEC, []elfSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: []byte{0x90}},
		{name: ".debug_abbrev", typ: elf.SHT_PROGBITS, data: abbrev},
		{name: ".debug_info", typ: elf.SHT_PROGBITS, data: info},
		{name: ".debug_line", typ: elf.SHT_PROGBITS, data: line},
	})

	r := bytes.NewReader(raw)
	rec, err := Classify(r, int64(len(raw)))
	require.NoError(t, err)

	assert.True(t, rec.IsExecutable, "ET_EXEC with an allocatable PROGBITS section should be executable")
	assert.True(t, rec.IsDebugInfo, "a .debug_ prefixed section should mark debug info present")
	assert.ElementsMatch(t, []string{"/build/main.c", "/usr/src/foo/util.c"}, rec.SourcePaths)
}

func TestClassifyRelocatableIsNotExecutable(t *testing.T) {
	raw := buildELF(elf.ET_REL, []elfSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: []byte{0x90}},
	})

	r := bytes.NewReader(raw)
	rec, err := Classify(r, int64(len(raw)))
	require.NoError(t, err)

	assert.False(t, rec.IsExecutable, "ET_REL is not one of the eligible types")
	assert.False(t, rec.IsDebugInfo)
	assert.Empty(t, rec.SourcePaths)
}

func TestClassifyNonAllocatableSectionIsNotExecutable(t *testing.T) {
	raw := buildELF(elf.ET_DYN, []elfSection{
		{name: ".comment", typ: elf.SHT_PROGBITS, data: []byte("built by nobody")},
	})

	r := bytes.NewReader(raw)
	rec, err := Classify(r, int64(len(raw)))
	require.NoError(t, err)

	assert.False(t, rec.IsExecutable, "a non-allocatable PROGBITS section does not count")
}

func TestClassifyZdebugPrefixCountsAsDebugInfo(t *testing.T) {
	raw := buildELF(elf.ET_DYN, []elfSection{
		{name: ".zdebug_info", typ: elf.SHT_PROGBITS, data: []byte{0, 0, 0, 0}},
	})

	r := bytes.NewReader(raw)
	rec, err := Classify(r, int64(len(raw)))
	require.NoError(t, err)

	assert.True(t, rec.IsDebugInfo)
}
