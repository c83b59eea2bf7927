package runtime

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeMap converts a raw document map into a struct using mapstructure
// tags. Input is weakly typed so YAML scalars like "3" or 3.0 land in int and
// string fields alike; durations may be written as "30s".
func DecodeMap(m map[string]any, target any) error {
	return decode(m, target, "mapstructure")
}

// mapToStructFromYAML merges raw values into a config struct keyed by its
// yaml tags.
func mapToStructFromYAML(m map[string]any, target any) error {
	return decode(m, target, "yaml")
}

func decode(m map[string]any, target any, tag string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: tag,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}

	return nil
}

// ToStringMap renders every value of m with fmt so predicate maps declared
// with unquoted YAML scalars (true, 0.8) keep their textual form.
func ToStringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	for key, value := range m {
		switch v := value.(type) {
		case string:
			result[key] = v
		case nil:
			result[key] = ""
		default:
			result[key] = fmt.Sprintf("%v", v)
		}
	}
	return result
}
