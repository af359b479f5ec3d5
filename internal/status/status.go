package status

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the single authoritative node status shown to the user.
// Invalid is not a normal mode: it marks DNS redirected with no node serving.
type Status int

const (
	Off Status = iota
	Serving
	Consuming
	Invalid
)

// InvalidLabel is shown while the status is Invalid.
const InvalidLabel = "An error occurred. Choose a state."

var ErrUnknownStatus = errors.New("unknown status")

func (s Status) String() string {
	switch s {
	case Off:
		return "off"
	case Serving:
		return "serving"
	case Consuming:
		return "consuming"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Label returns the human readable label for s.
func (s Status) Label() string {
	switch s {
	case Off:
		return "Off"
	case Serving:
		return "Serving"
	case Consuming:
		return "Consuming"
	default:
		return InvalidLabel
	}
}

// ButtonID returns the id of the status button that is active for s.
// Invalid has no active button.
func (s Status) ButtonID() string {
	switch s {
	case Off, Serving, Consuming:
		return s.String()
	default:
		return ""
	}
}

// Valid reports whether s is one of the three user selectable states.
func (s Status) Valid() bool { return s == Off || s == Serving || s == Consuming }

// Parse converts the String form back into a Status.
func Parse(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "off":
		return Off, nil
	case "serving":
		return Serving, nil
	case "consuming":
		return Consuming, nil
	case "invalid":
		return Invalid, nil
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownStatus, v)
}

// MarshalText encodes s as its String form.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes the String form.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
