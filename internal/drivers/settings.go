package drivers

import "fmt"

// Settings accessors. Instrument settings arrive as map[string]any decoded
// from YAML or JSON, so numbers may be int, int64 or float64 depending on
// the source.

func stringSetting(settings map[string]any, key string) (string, error) {
	v, ok := settings[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrBadSettings, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrBadSettings, key)
	}
	return s, nil
}

func stringSettingDefault(settings map[string]any, key, def string) string {
	s, err := stringSetting(settings, key)
	if err != nil {
		return def
	}
	return s
}

func intSetting(settings map[string]any, key string) (int, error) {
	v, ok := settings[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadSettings, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrBadSettings, key)
	}
}

func intSettingDefault(settings map[string]any, key string, def int) int {
	n, err := intSetting(settings, key)
	if err != nil {
		return def
	}
	return n
}

func floatSetting(settings map[string]any, key string) (float64, error) {
	v, ok := settings[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadSettings, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrBadSettings, key)
	}
}

func floatSettingDefault(settings map[string]any, key string, def float64) float64 {
	f, err := floatSetting(settings, key)
	if err != nil {
		return def
	}
	return f
}
