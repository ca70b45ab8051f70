package replica

import (
	"encoding/json"
	"fmt"
)

// FilterRange keeps the children of snap whose field value (or key, when
// field is empty) lies in [start, end]. Children without a string field are
// skipped. An empty result is reported as an absent value.
func FilterRange(snap Snapshot, field, start, end string) (Snapshot, error) {
	children, err := snap.Children()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: range query over non-object", ErrInvalidValue)
	}

	matched := make(map[string]json.RawMessage)
	for key, child := range children {
		candidate := key
		if field != "" {
			var record map[string]json.RawMessage
			if err := json.Unmarshal(child, &record); err != nil {
				continue
			}
			raw, ok := record[field]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &candidate); err != nil {
				continue
			}
		}
		if candidate >= start && candidate <= end {
			matched[key] = child
		}
	}

	if len(matched) == 0 {
		return Snapshot{Path: snap.Path, Data: jsonNull}, nil
	}
	data, err := json.Marshal(matched)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal range result: %w", err)
	}
	return Snapshot{Path: snap.Path, Data: data}, nil
}
