package risk

import (
	"fmt"
	"strings"
)

// Level is the severity of a prospective action. Values are totally ordered.
type Level int

const (
	None Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"none", "low", "medium", "high", "critical"}

func (l Level) Score() int {
	return int(l)
}

func (l Level) String() string {
	if l < None || l > Critical {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) Valid() bool {
	return l >= None && l <= Critical
}

func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("unknown risk level %q", s)
}

// MaxLevel returns the highest of the given levels, or None when empty.
func MaxLevel(levels ...Level) Level {
	out := None
	for _, l := range levels {
		if l > out {
			out = l
		}
	}
	return out
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Confidence is the certainty that a plan is correct. Same ordering rules as Level.
type Confidence int

const (
	VeryLow Confidence = iota
	LowConfidence
	MediumConfidence
	HighConfidence
	VeryHigh
)

var confidenceNames = [...]string{"very_low", "low", "medium", "high", "very_high"}

func (c Confidence) Score() int {
	return int(c)
}

func (c Confidence) String() string {
	if c < VeryLow || c > VeryHigh {
		return fmt.Sprintf("confidence(%d)", int(c))
	}
	return confidenceNames[c]
}

func (c Confidence) Valid() bool {
	return c >= VeryLow && c <= VeryHigh
}

func ParseConfidence(s string) (Confidence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range confidenceNames {
		if name == s {
			return Confidence(i), nil
		}
	}
	return VeryLow, fmt.Errorf("unknown confidence level %q", s)
}

func (c Confidence) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid confidence %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(b []byte) error {
	parsed, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
