package events

import (
	"bytes"
	"encoding/json"
	"strings"
)

// bookkeeping keys excluded from diffs regardless of change
const updatedAtKey = "updated_at"

// Diff returns the keys of current whose serialized value differs from the
// previous snapshot. Keys prefixed with an underscore and the generic
// updated-at stamp are always excluded. A nil result means no field-level
// diff; callers omit the changes field rather than sending an empty object.
func Diff(previous, current map[string]any) map[string]any {
	changes := make(map[string]any)
	for key, value := range current {
		if strings.HasPrefix(key, "_") || key == updatedAtKey {
			continue
		}
		prev, ok := previous[key]
		if !ok || !jsonEqual(prev, value) {
			changes[key] = value
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
