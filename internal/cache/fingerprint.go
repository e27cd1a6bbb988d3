package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/gridforge/gridforge/internal/schema"
)

// Fingerprint computes the cache key for an input record: walk the
// schema's fields in declared order; for a non-null file-valued field,
// hash the referenced file's contents; for every other field, hash the
// textual representation of its value. The per-field digests are
// concatenated in order and hashed once more to produce the key.
//
// Structurally identical inputs, including identical file bytes,
// produce identical keys: the walk does not depend on map iteration
// order because Schema.Fields is a slice, not a map.
func Fingerprint(s schema.Schema, r schema.Record) (string, error) {
	h := sha256.New()
	for _, f := range s.Fields {
		v, present := r[f.Name]
		var digest [32]byte
		if f.Type == schema.TypeFile && present && v != nil {
			path, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("field %q: file field value is not a string path", f.Name)
			}
			d, err := hashFile(path)
			if err != nil {
				return "", fmt.Errorf("field %q: %w", f.Name, err)
			}
			digest = d
		} else {
			digest = sha256.Sum256([]byte(textualRepr(v)))
		}
		h.Write(digest[:])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) ([32]byte, error) {
	var out [32]byte
	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, fmt.Errorf("hash file contents: %w", err)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

func textualRepr(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}
