package topic

import (
	"fmt"
	"strings"
)

// MissingParametersError lists required parameters that had no value, in
// the order the topic declares them.
type MissingParametersError struct {
	Missing []string
}

func (e *MissingParametersError) Error() string {
	return fmt.Sprintf("missing required parameters: %s", strings.Join(e.Missing, ", "))
}

// ValidateParameters checks that every required name has a value. Nil values
// and blank strings count as missing.
func ValidateParameters(required []string, supplied map[string]any) error {
	var missing []string
	for _, name := range required {
		if isBlank(supplied[name]) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingParametersError{Missing: missing}
	}
	return nil
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// MergeParameters overlays supplied on enriched. Supplied values win.
func MergeParameters(enriched, supplied map[string]any) map[string]any {
	out := make(map[string]any, len(enriched)+len(supplied))
	for k, v := range enriched {
		out[k] = v
	}
	for k, v := range supplied {
		out[k] = v
	}
	return out
}
