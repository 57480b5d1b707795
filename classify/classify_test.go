package classify

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNonELFIsNotAnError(t *testing.T) {
	r := bytes.NewReader([]byte("this is not an ELF file at all"))
	rec, err := Classify(r, int64(r.Len()))
	assert.NoError(t, err)
	assert.Equal(t, Record{}, rec)
}

func TestClassifyTooShortIsNotAnError(t *testing.T) {
	r := bytes.NewReader([]byte{0x7f})
	rec, err := Classify(r, int64(r.Len()))
	assert.NoError(t, err)
	assert.Equal(t, Record{}, rec)
}

func TestParseBuildIDNote(t *testing.T) {
	var buf bytes.Buffer
	name := []byte("GNU\x00")
	desc := []byte{0xde, 0xad, 0xbe, 0xef}

	write := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	write(uint32(len(name)))
	write(uint32(len(desc)))
	write(noteGNUBuildID)
	buf.Write(name)
	buf.Write(desc)

	id := parseBuildIDNote(buf.Bytes(), binary.LittleEndian)
	assert.Equal(t, "deadbeef", id.String())
}

func TestParseBuildIDNoteMissing(t *testing.T) {
	id := parseBuildIDNote(nil, binary.LittleEndian)
	assert.True(t, id.Empty())
}

func TestAlign4(t *testing.T) {
	assert.Equal(t, 0, align4(0))
	assert.Equal(t, 4, align4(1))
	assert.Equal(t, 4, align4(4))
	assert.Equal(t, 8, align4(5))
}
