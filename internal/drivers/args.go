package drivers

import "fmt"

// Command argument accessors. Args arrive as []any from the caller facade
// or decoded from an MQTT command payload, so numbers may be int or
// float64.

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", ErrBadCommand, i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d must be a string", ErrBadCommand, i)
	}
	return s, nil
}

func argFloat(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing argument %d", ErrBadCommand, i)
	}
	switch n := args[i].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: argument %d must be a number", ErrBadCommand, i)
	}
}
