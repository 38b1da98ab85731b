package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a single escrow instance
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusReleased
	StatusRefunded
	StatusDisputed
)

var statusNames = [...]string{
	StatusCreated:  "CREATED",
	StatusFunded:   "FUNDED",
	StatusReleased: "RELEASED",
	StatusRefunded: "REFUNDED",
	StatusDisputed: "DISPUTED",
}

// AllStatuses lists every status in declaration order
func AllStatuses() []Status {
	return []Status{StatusCreated, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed}
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the five known statuses
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transition can leave s
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// ParseStatus accepts the status name in any case
func ParseStatus(name string) (Status, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status by name so the database stays readable
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid escrow status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *Status) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseStatus(v)
		if err != nil {
			return err
		}
		*s = parsed
	case []byte:
		parsed, err := ParseStatus(string(v))
		if err != nil {
			return err
		}
		*s = parsed
	default:
		return fmt.Errorf("cannot scan %T into escrow status", src)
	}
	return nil
}

// StatusCodec translates between the numeric status codes exposed by a deployed
// escrow contract and Status values. The code of a status is its position in the
// codec's order.
type StatusCodec struct {
	order []Status
}

// DefaultStatusCodec maps codes 0..4 to Created, Funded, Released, Refunded, Disputed
func DefaultStatusCodec() StatusCodec {
	return StatusCodec{order: AllStatuses()}
}

// NewStatusCodec builds a codec from status names listed in code order. The list
// must name every status exactly once.
func NewStatusCodec(names []string) (StatusCodec, error) {
	if len(names) == 0 {
		return DefaultStatusCodec(), nil
	}
	if len(names) != len(statusNames) {
		return StatusCodec{}, fmt.Errorf("status encoding must list %d statuses, got %d", len(statusNames), len(names))
	}

	seen := make(map[Status]bool, len(names))
	order := make([]Status, 0, len(names))
	for _, name := range names {
		s, err := ParseStatus(name)
		if err != nil {
			return StatusCodec{}, err
		}
		if seen[s] {
			return StatusCodec{}, fmt.Errorf("status %s listed twice in encoding", s)
		}
		seen[s] = true
		order = append(order, s)
	}
	return StatusCodec{order: order}, nil
}

// Decode rejects codes outside the known encoding
func (c StatusCodec) Decode(code uint8) (Status, error) {
	order := c.order
	if order == nil {
		order = AllStatuses()
	}
	if int(code) >= len(order) {
		return 0, fmt.Errorf("%w: unknown status code %d", ErrMalformedRecord, code)
	}
	return order[code], nil
}

func (c StatusCodec) Encode(s Status) uint8 {
	order := c.order
	if order == nil {
		order = AllStatuses()
	}
	for i, candidate := range order {
		if candidate == s {
			return uint8(i)
		}
	}
	return uint8(s)
}
