package opc

import "fmt"

// Quality is the coarse quality classification of a value.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	case QualityBad:
		return "Bad"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the quality by name.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText decodes a quality name.
func (q *Quality) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Good", "good":
		*q = QualityGood
	case "Uncertain", "uncertain":
		*q = QualityUncertain
	case "Bad", "bad":
		*q = QualityBad
	default:
		return fmt.Errorf("unknown quality %q", string(b))
	}
	return nil
}

// QualityFromStatus maps an OPC status code to a Quality using its
// two severity bits (00 good, 01 uncertain, 1x bad).
func QualityFromStatus(code uint32) Quality {
	switch code >> 30 {
	case 0:
		return QualityGood
	case 1:
		return QualityUncertain
	default:
		return QualityBad
	}
}

// QualityFromDA maps a classic DA quality word (bits 6-7) to a Quality.
func QualityFromDA(q uint16) Quality {
	switch q & 0xC0 {
	case 0xC0:
		return QualityGood
	case 0x40:
		return QualityUncertain
	default:
		return QualityBad
	}
}
