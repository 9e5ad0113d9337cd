package il2cppbackend

import (
	"testing"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/fixture"
)

// metadataFixture builds a minimal, version-31-shaped metadata blob: a
// strings table ("Game\x00Acme\x00Widget\x00Count\x00"), one TypeDef
// ("Acme.Widget", owning field index 0), one FieldDef ("Count"), one image
// ("Game"), and one assembly pointing at it.
func metadataFixture(t *testing.T) (*core.MemoryReader, core.Address) {
	t.Helper()
	base := core.Address(0x10000)
	a := fixture.NewArena(base, 1<<16)
	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	h, err := mem.Open(1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := core.NewMemoryReader(mem, h, 8)

	blob := base.Add(0x1000)
	a.WriteU32(blob, SupportedMetadataVersion)

	header := blob.Add(4)
	setTable := func(idx int, offset, size uint32) {
		entry := header.Add(int64(idx) * subTableHeaderEntrySize)
		a.WriteU32(entry, offset)
		a.WriteU32(entry.Add(4), size)
	}

	stringsOff := uint32(0x100)
	typeDefOff := uint32(0x200)
	fieldDefOff := uint32(0x300)
	imagesOff := uint32(0x400)
	assembliesOff := uint32(0x500)

	a.WriteCString(blob.Add(int64(stringsOff)+0), "Game")
	a.WriteCString(blob.Add(int64(stringsOff)+5), "Acme")
	a.WriteCString(blob.Add(int64(stringsOff)+10), "Widget")
	a.WriteCString(blob.Add(int64(stringsOff)+17), "Count")

	setTable(subTableStrings, stringsOff, 23)
	setTable(subTableTypeDefinitions, typeDefOff, typeDefRecordSize)
	setTable(subTableFieldDefinitions, fieldDefOff, fieldDefRecordSize)
	setTable(subTableImages, imagesOff, imageRecordSize)
	setTable(subTableAssemblies, assembliesOff, assemblyRecordSize)

	td := blob.Add(int64(typeDefOff))
	a.WriteU32(td.Add(typeDefNameIndexOffset), 10)
	a.WriteU32(td.Add(typeDefNamespaceOffset), 5)
	a.WriteI32(td.Add(typeDefFieldStartOffset), 0)
	a.WriteU32(td.Add(typeDefFieldCountOffset), 1)

	fd := blob.Add(int64(fieldDefOff))
	a.WriteU32(fd.Add(fieldDefNameIndexOffset), 17)
	a.WriteU32(fd.Add(fieldDefTypeIndexOffset), 0)

	img := blob.Add(int64(imagesOff))
	a.WriteU32(img.Add(imageNameIndexOffset), 0)
	a.WriteU32(img.Add(imageTypeStartOffset), 0)
	a.WriteU32(img.Add(imageTypeCountOffset), 1)

	asm := blob.Add(int64(assembliesOff))
	a.WriteU32(asm.Add(assemblyImageIndexOffset), 0)

	return r, blob
}

func TestMetadataParse(t *testing.T) {
	r, blob := metadataFixture(t)
	m, err := Parse(r, blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.typeDefCount() != 1 {
		t.Fatalf("typeDefCount = %d, want 1", m.typeDefCount())
	}
}

func TestMetadataParseRejectsWrongVersion(t *testing.T) {
	base := core.Address(0x10000)
	a := fixture.NewArena(base, 4096)
	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	h, _ := mem.Open(1)
	r := core.NewMemoryReader(mem, h, 8)
	a.WriteU32(base, 7)

	if _, err := Parse(r, base); err == nil {
		t.Fatal("expected an error for an unsupported metadata version")
	}
}

func TestMetadataTypeDefByIndex(t *testing.T) {
	r, blob := metadataFixture(t)
	m, err := Parse(r, blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	td, err := m.TypeDefByIndex(0)
	if err != nil {
		t.Fatalf("TypeDefByIndex: %v", err)
	}
	if td.Name != "Widget" || td.Namespace != "Acme" {
		t.Fatalf("TypeDef = %+v", td)
	}
	if td.FieldCount != 1 || td.FieldStart != 0 {
		t.Fatalf("TypeDef field range = %+v", td)
	}

	if _, err := m.TypeDefByIndex(5); err == nil {
		t.Fatal("expected an out-of-bounds error")
	}
}

func TestMetadataAllTypeDefs(t *testing.T) {
	r, blob := metadataFixture(t)
	m, err := Parse(r, blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defs, err := m.AllTypeDefs()
	if err != nil {
		t.Fatalf("AllTypeDefs: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "Widget" {
		t.Fatalf("AllTypeDefs = %+v", defs)
	}
}

func TestMetadataFieldDefByGlobalIndex(t *testing.T) {
	r, blob := metadataFixture(t)
	m, err := Parse(r, blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fd, err := m.FieldDefByGlobalIndex(0)
	if err != nil {
		t.Fatalf("FieldDefByGlobalIndex: %v", err)
	}
	name, err := m.FieldName(fd)
	if err != nil {
		t.Fatalf("FieldName: %v", err)
	}
	if name != "Count" {
		t.Fatalf("field name = %q, want %q", name, "Count")
	}
}

func TestMetadataStringOutOfBounds(t *testing.T) {
	r, blob := metadataFixture(t)
	m, err := Parse(r, blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := m.String(9999); err == nil {
		t.Fatal("expected an out-of-bounds error")
	}
}
