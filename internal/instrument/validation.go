package instrument

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 50
	namePattern   = `^[a-zA-Z0-9][a-zA-Z0-9_-]*$`

	// maxSettingsKeys bounds the settings map so a corrupt config cannot
	// balloon catalogue rows.
	maxSettingsKeys = 30

	// maxStringValueLen bounds string values inside the settings map.
	maxStringValueLen = 512
)

var nameRegex = regexp.MustCompile(namePattern)

// validKinds provides O(1) kind lookups instead of linear search.
var validKinds map[Kind]struct{}

func init() {
	validKinds = make(map[Kind]struct{}, len(AllKinds()))
	for _, k := range AllKinds() {
		validKinds[k] = struct{}{}
	}
}

// Validate performs comprehensive validation on an instrument.
// Returns an error describing the first validation failure found.
func Validate(i *Instrument) error {
	if i == nil {
		return ErrInvalidInstrument
	}

	if err := ValidateName(i.Name); err != nil {
		return err
	}

	if err := ValidateKind(i.Kind); err != nil {
		return err
	}

	if len(i.Settings) > maxSettingsKeys {
		return fmt.Errorf("%w: settings exceeds max keys (%d)", ErrInvalidInstrument, maxSettingsKeys)
	}
	for k, v := range i.Settings {
		if s, ok := v.(string); ok && len(s) > maxStringValueLen {
			return fmt.Errorf("%w: settings value %q too long", ErrInvalidInstrument, k)
		}
	}

	return nil
}

// ValidateName checks that an instrument name is usable as a routing key.
// Names appear in MQTT topics and log lines, so whitespace and slashes
// are rejected.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: name must match %s", ErrInvalidName, namePattern)
	}
	return nil
}

// ValidateKind checks that a driver kind is recognised.
func ValidateKind(kind Kind) error {
	if _, ok := validKinds[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}

// GenerateID creates a new unique instrument identifier.
func GenerateID() string {
	return uuid.NewString()
}
