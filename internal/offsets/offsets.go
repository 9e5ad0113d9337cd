// Package offsets loads and validates the versioned OffsetTable spec.md §6
// requires: the pinned structure offsets each backend reads at fixed
// positions rather than discovering dynamically.
package offsets

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MonoOffsets pins the offsets MonoBackend reads without discovery, per
// spec.md §4.2/§4.3.
type MonoOffsets struct {
	// RootDomainOffset is the byte offset into the runtime image's data
	// segment holding the root domain pointer.
	RootDomainOffset int64 `yaml:"root_domain_offset"`

	// AssemblyListHeadOffset is the byte offset from a domain pointer to
	// the head of its assembly linked list.
	AssemblyListHeadOffset int64 `yaml:"assembly_list_head_offset"`

	// ClassCacheOffset is the byte offset from an image pointer to its
	// class-cache hash table header ({bucket_array_ptr, bucket_count}).
	ClassCacheOffset int64 `yaml:"class_cache_offset"`

	// ClassFieldTableOffset is the byte offset from a class pointer to its
	// {field_count, fields_ptr} pair.
	ClassFieldTableOffset int64 `yaml:"class_field_table_offset"`

	// FieldRecordStride is the size in bytes of one field-table record
	// ({name_ptr, type_ptr, parent, offset, token}).
	FieldRecordStride int64 `yaml:"field_record_stride"`

	// ClassStaticDataOffset is the byte offset from a class pointer to its
	// static-storage block pointer, the Mono analogue of IL2CPP's
	// ClassStaticFieldsOffset.
	ClassStaticDataOffset int64 `yaml:"class_static_data_offset"`
}

// Il2cppOffsets pins the offsets Il2cppBackend reads without discovery, per
// spec.md §4.4/§6.
type Il2cppOffsets struct {
	// TypeInfoTableSegmentOffset is the byte offset into the game binary's
	// second data segment holding the Il2CppClass* type-info table pointer.
	TypeInfoTableSegmentOffset int64 `yaml:"type_info_table_segment_offset"`

	// MetadataBlobSegmentOffset is the byte offset into the same segment
	// holding the metadata blob's base address pointer (spec.md §4.2: "The
	// metadata blob's base address sits elsewhere in the same segment").
	MetadataBlobSegmentOffset int64 `yaml:"metadata_blob_segment_offset"`

	// ClassNameOffset, ClassNamespaceOffset, ClassFieldsOffset, and
	// ClassStaticFieldsOffset are offsets within a runtime Il2CppClass.
	ClassNameOffset        int64 `yaml:"class_name_offset"`
	ClassNamespaceOffset   int64 `yaml:"class_namespace_offset"`
	ClassFieldsOffset      int64 `yaml:"class_fields_offset"`
	ClassStaticFieldsOffset int64 `yaml:"class_static_fields_offset"`

	// FieldInfoStride is the size in bytes of one runtime FieldInfo record.
	FieldInfoStride int64 `yaml:"field_info_stride"`

	// MetadataVersion is the only metadata format version this table's
	// sub-table layout has been validated against.
	MetadataVersion int `yaml:"metadata_version"`
}

// Table is one runtime version's complete set of pinned offsets, keyed by
// (backend, runtime_version) as spec.md §6 requires.
type Table struct {
	Backend        string         `yaml:"backend"`
	RuntimeVersion string         `yaml:"runtime_version"`
	Mono           *MonoOffsets   `yaml:"mono,omitempty"`
	Il2cpp         *Il2cppOffsets `yaml:"il2cpp,omitempty"`
}

// Registry indexes a set of Tables by "backend/runtime_version".
type Registry struct {
	tables map[string]*Table
}

func key(backend, runtimeVersion string) string {
	return backend + "/" + runtimeVersion
}

// Lookup finds the Table for a given backend and runtime version.
func (r *Registry) Lookup(backend, runtimeVersion string) (*Table, bool) {
	t, ok := r.tables[key(backend, runtimeVersion)]
	return t, ok
}

// Default returns the built-in Registry covering the runtime versions this
// library was validated against — the pinned numbers of spec.md §6.
func Default() *Registry {
	return &Registry{tables: map[string]*Table{
		key("mono", "2.0"): {
			Backend:        "mono",
			RuntimeVersion: "2.0",
			Mono: &MonoOffsets{
				RootDomainOffset:       0,
				AssemblyListHeadOffset: 0x20,
				ClassCacheOffset:       0x3c0,
				ClassFieldTableOffset:  0x7c,
				FieldRecordStride:      40,
				ClassStaticDataOffset:  0x90,
			},
		},
		key("il2cpp", "31"): {
			Backend:        "il2cpp",
			RuntimeVersion: "31",
			Il2cpp: &Il2cppOffsets{
				TypeInfoTableSegmentOffset: 0x24360,
				MetadataBlobSegmentOffset:  0x24368,
				ClassNameOffset:            0x10,
				ClassNamespaceOffset:       0x18,
				ClassFieldsOffset:          0x80,
				ClassStaticFieldsOffset:    0xA8,
				FieldInfoStride:            32,
				MetadataVersion:            31,
			},
		},
	}}
}

// LoadRegistry reads a YAML file of Tables, fills in the record strides and
// the Mono static-data offset where they are left zero (no other offset is
// defaulted), validates the result, and merges it over the built-in
// Default() registry so operators can override or add runtime versions
// without losing the ones compiled in.
//
// Grounded on bobbydeveaux-starbucks-mugs/internal/config/config.go's
// load/applyDefaults/validate pipeline.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("offsets: cannot read %q: %w", path, err)
	}

	var doc struct {
		Tables []Table `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("offsets: cannot parse %q: %w", path, err)
	}

	reg := Default()
	for i := range doc.Tables {
		t := doc.Tables[i]
		applyDefaults(&t)
		if err := validate(&t); err != nil {
			return nil, fmt.Errorf("offsets: validation failed for %q: %w", path, err)
		}
		reg.tables[key(t.Backend, t.RuntimeVersion)] = &t
	}
	return reg, nil
}

func applyDefaults(t *Table) {
	if t.Il2cpp != nil && t.Il2cpp.FieldInfoStride == 0 {
		t.Il2cpp.FieldInfoStride = 32
	}
	if t.Mono != nil && t.Mono.FieldRecordStride == 0 {
		t.Mono.FieldRecordStride = 40
	}
	if t.Mono != nil && t.Mono.ClassStaticDataOffset == 0 {
		t.Mono.ClassStaticDataOffset = 0x90
	}
}

func validate(t *Table) error {
	var errs []error

	if t.Backend != "mono" && t.Backend != "il2cpp" {
		errs = append(errs, fmt.Errorf("backend %q must be one of: mono, il2cpp", t.Backend))
	}
	if t.RuntimeVersion == "" {
		errs = append(errs, errors.New("runtime_version is required"))
	}
	switch t.Backend {
	case "mono":
		if t.Mono == nil {
			errs = append(errs, errors.New("mono table requires a mono offset block"))
		}
	case "il2cpp":
		if t.Il2cpp == nil {
			errs = append(errs, errors.New("il2cpp table requires an il2cpp offset block"))
		} else if t.Il2cpp.MetadataVersion != 31 {
			errs = append(errs, fmt.Errorf("metadata_version %d unsupported; only 31 is pinned", t.Il2cpp.MetadataVersion))
		}
	}

	return errors.Join(errs...)
}
