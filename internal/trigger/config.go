package trigger

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads custom trigger definitions from a JSON file. The file holds
// an array of trigger objects: id, type, pattern, enabled, label.
func LoadFile(path string) ([]Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read triggers file %s: %w", path, err)
	}

	var triggers []Trigger
	if err := json.Unmarshal(data, &triggers); err != nil {
		return nil, fmt.Errorf("failed to parse triggers file %s: %w", path, err)
	}

	for i := range triggers {
		if triggers[i].ID == "" {
			return nil, fmt.Errorf("triggers file %s: entry %d has no id", path, i)
		}
		if triggers[i].Pattern == "" {
			return nil, fmt.Errorf("triggers file %s: trigger %q has no pattern", path, triggers[i].ID)
		}
		if triggers[i].Type == "" {
			triggers[i].Type = TypeCustom
		}
	}
	return triggers, nil
}
