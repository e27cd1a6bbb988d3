// Package schema implements declarative, introspectable input/output
// records: an ordered list of {name, type-tag, optional} fields from
// which validation and JSON/multipart handling are derived at run time,
// instead of reflecting over struct tags. File-valued fields are a
// distinguished type so they can be uploaded, rewritten, and hashed
// separately from scalar fields.
package schema

import (
	"fmt"
	"sort"
)

// FieldType is one of the semantic types a record field may declare.
type FieldType string

const (
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeString FieldType = "string"
	TypeFile   FieldType = "file"
)

// Field declares one named, typed slot in a record.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Optional bool      `json:"optional" yaml:"optional"`
}

// Schema is an ordered list of fields. Order matters: the cache fingerprint
// (see internal/cache) is computed by walking fields in declared order.
type Schema struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// FileFieldNames returns the names of file-valued fields, in declared order.
func (s Schema) FileFieldNames() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Type == TypeFile {
			names = append(names, f.Name)
		}
	}
	return names
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Disjoint reports whether two schemas share no field names, as required of
// a NodeType's input_record and output_record.
func Disjoint(a, b Schema) error {
	seen := make(map[string]bool, len(a.Fields))
	for _, f := range a.Fields {
		seen[f.Name] = true
	}
	for _, f := range b.Fields {
		if seen[f.Name] {
			return fmt.Errorf("field %q appears in both input and output records", f.Name)
		}
	}
	return nil
}

// Record is a concrete, dynamically-typed value of some Schema. Values are
// one of: int64, float64, bool, string (for file fields, a filesystem
// path), or nil (for an absent optional field).
type Record map[string]interface{}

// Clone returns a shallow copy, safe to mutate without affecting the
// original (values themselves are not deep-copied, but they are all
// value types or strings so this is sufficient).
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ValidationError is returned by Validate, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// Validate checks r against s. When requireAll is true every non-optional
// field must be present and non-nil (used when finalizing a job's input at
// start); when false, only the type of present fields is checked (used
// while still in Preparing, accepting a partially-filled record).
func Validate(s Schema, r Record, requireAll bool) error {
	for _, f := range s.Fields {
		v, present := r[f.Name]
		if !present || v == nil {
			if requireAll && !f.Optional {
				return &ValidationError{Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return &ValidationError{Field: f.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkType(f Field, v interface{}) error {
	switch f.Type {
	case TypeInt:
		switch v.(type) {
		case int, int32, int64, float64:
			return nil
		}
		return fmt.Errorf("expected int, got %T", v)
	case TypeFloat:
		switch v.(type) {
		case float32, float64, int, int64:
			return nil
		}
		return fmt.Errorf("expected float, got %T", v)
	case TypeBool:
		if _, ok := v.(bool); ok {
			return nil
		}
		return fmt.Errorf("expected bool, got %T", v)
	case TypeString, TypeFile:
		if _, ok := v.(string); ok {
			return nil
		}
		return fmt.Errorf("expected string, got %T", v)
	default:
		return fmt.Errorf("unknown field type %q", f.Type)
	}
}

// RewriteFiles returns a clone of r with every file-valued field mapped
// through rewrite. Used when moving a manifest between the cache's
// files/ directory, a job's output_dir, and a child's input_dir.
func RewriteFiles(s Schema, r Record, rewrite func(name, path string) string) Record {
	out := r.Clone()
	for _, name := range s.FileFieldNames() {
		if v, ok := out[name]; ok && v != nil {
			if p, ok := v.(string); ok {
				out[name] = rewrite(name, p)
			}
		}
	}
	return out
}

// SortedFieldNames is a stable helper for tests/logging that want
// deterministic iteration order independent of map iteration.
func SortedFieldNames(s Schema) []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
