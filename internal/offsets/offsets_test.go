package offsets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRegistryLookup(t *testing.T) {
	reg := Default()

	mono, ok := reg.Lookup("mono", "2.0")
	if !ok {
		t.Fatal("expected a mono/2.0 table")
	}
	if mono.Mono == nil || mono.Mono.ClassStaticDataOffset != 0x90 {
		t.Fatalf("mono/2.0 table = %+v", mono.Mono)
	}

	il2cpp, ok := reg.Lookup("il2cpp", "31")
	if !ok {
		t.Fatal("expected an il2cpp/31 table")
	}
	if il2cpp.Il2cpp == nil || il2cpp.Il2cpp.MetadataVersion != 31 {
		t.Fatalf("il2cpp/31 table = %+v", il2cpp.Il2cpp)
	}

	if _, ok := reg.Lookup("mono", "9.9"); ok {
		t.Fatal("did not expect a table for an unknown runtime version")
	}
}

func TestLoadRegistryMergesOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offsets.yaml")
	doc := `
tables:
  - backend: mono
    runtime_version: "2.1"
    mono:
      root_domain_offset: 8
      assembly_list_head_offset: 0x28
      class_cache_offset: 0x3d0
      class_field_table_offset: 0x80
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	// The built-in mono/2.0 table survives the merge.
	if _, ok := reg.Lookup("mono", "2.0"); !ok {
		t.Fatal("expected mono/2.0 to still be present after loading an override file")
	}

	added, ok := reg.Lookup("mono", "2.1")
	if !ok {
		t.Fatal("expected the newly loaded mono/2.1 table")
	}
	if added.Mono.RootDomainOffset != 8 {
		t.Errorf("RootDomainOffset = %d, want 8", added.Mono.RootDomainOffset)
	}
	// FieldRecordStride and ClassStaticDataOffset were left zero in the
	// YAML, so applyDefaults should have filled them in.
	if added.Mono.FieldRecordStride != 40 {
		t.Errorf("FieldRecordStride = %d, want default 40", added.Mono.FieldRecordStride)
	}
	if added.Mono.ClassStaticDataOffset != 0x90 {
		t.Errorf("ClassStaticDataOffset = %#x, want default 0x90", added.Mono.ClassStaticDataOffset)
	}
}

func TestLoadRegistryRejectsUnsupportedMetadataVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offsets.yaml")
	doc := `
tables:
  - backend: il2cpp
    runtime_version: "99"
    il2cpp:
      metadata_version: 99
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected an error for an unsupported metadata_version")
	}
}

func TestLoadRegistryRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offsets.yaml")
	doc := `
tables:
  - backend: frobnitz
    runtime_version: "1"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
