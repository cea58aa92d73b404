package apps

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// TimeToLive bounds how long an app may keep running. The wire form is
// either the string "Forever" or a single-key object such as {"Hours": 2}
// or {"Days": 7}; plain numbers are accepted as seconds for compatibility
// with older clients.
type TimeToLive struct {
	Hours   uint32
	Days    uint32
	Forever bool
}

// TTL constructors.
func TTLHours(n uint32) TimeToLive { return TimeToLive{Hours: n} }
func TTLDays(n uint32) TimeToLive  { return TimeToLive{Days: n} }
func TTLForever() TimeToLive       { return TimeToLive{Forever: true} }

// foreverSeconds is the legacy numeric encoding of Forever.
const foreverSeconds = math.MaxUint32

// Duration converts the TTL to a duration. Forever reports ok=false.
func (t TimeToLive) Duration() (time.Duration, bool) {
	if t.Forever {
		return 0, false
	}
	if t.Days > 0 {
		return time.Duration(t.Days) * 24 * time.Hour, true
	}
	return time.Duration(t.Hours) * time.Hour, true
}

func (t TimeToLive) String() string {
	switch {
	case t.Forever:
		return "Forever"
	case t.Days > 0:
		return fmt.Sprintf("%dd", t.Days)
	default:
		return fmt.Sprintf("%dh", t.Hours)
	}
}

type ttlObject struct {
	Hours *uint32 `json:"Hours,omitempty" yaml:"Hours,omitempty"`
	Days  *uint32 `json:"Days,omitempty" yaml:"Days,omitempty"`
}

func (t TimeToLive) toWire() any {
	switch {
	case t.Forever:
		return "Forever"
	case t.Days > 0:
		d := t.Days
		return ttlObject{Days: &d}
	default:
		h := t.Hours
		return ttlObject{Hours: &h}
	}
}

func (t *TimeToLive) fromObject(obj ttlObject) error {
	switch {
	case obj.Days != nil:
		*t = TTLDays(*obj.Days)
	case obj.Hours != nil:
		*t = TTLHours(*obj.Hours)
	default:
		return fmt.Errorf("time_to_live object needs a Hours or Days key")
	}
	return nil
}

func (t *TimeToLive) fromSeconds(secs uint64) {
	switch {
	case secs >= foreverSeconds:
		*t = TTLForever()
	case secs%86400 == 0 && secs > 0:
		*t = TTLDays(uint32(secs / 86400))
	default:
		*t = TTLHours(uint32(secs / 3600))
	}
}

// MarshalJSON implements json.Marshaler.
func (t TimeToLive) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toWire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TimeToLive) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "Forever" {
			*t = TTLForever()
			return nil
		}
		return fmt.Errorf("unknown time_to_live value %q", s)
	}

	var secs uint64
	if err := json.Unmarshal(data, &secs); err == nil {
		t.fromSeconds(secs)
		return nil
	}

	var obj ttlObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid time_to_live: %w", err)
	}
	return t.fromObject(obj)
}

// MarshalYAML implements yaml.Marshaler.
func (t TimeToLive) MarshalYAML() (any, error) {
	return t.toWire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TimeToLive) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if s == "Forever" {
			*t = TTLForever()
			return nil
		}
		return fmt.Errorf("unknown time_to_live value %q", s)
	}

	var secs uint64
	if err := value.Decode(&secs); err == nil {
		t.fromSeconds(secs)
		return nil
	}

	var obj ttlObject
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("invalid time_to_live: %w", err)
	}
	return t.fromObject(obj)
}
