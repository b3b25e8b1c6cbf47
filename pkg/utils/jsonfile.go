package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSONAtomic marshals v and writes it to path via write-to-temp-then-rename,
// so a crash mid-write never leaves a truncated file in place.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Wrap(err, "marshal json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Wrap(err, "mkdir for json file")
	}
	tmp := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Wrap(err, "write json tmp")
	}
	if err := os.Rename(tmp, path); err != nil {
		return Wrap(err, "rename json file")
	}
	return nil
}
