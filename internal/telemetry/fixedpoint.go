package telemetry

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// decimalNumeral is the plain decimal form a register string may take. Hex,
// digit separators and named infinities are not numerals here.
var decimalNumeral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// Unparseable is returned by DecodeFixedPoint when the raw value is not a numeral.
const Unparseable = -1

// DecodeFixedPoint turns a packed register value into a decimal reading.
//
// When keepDigits > 0 only the trailing keepDigits+fractionalDigits
// characters of the value's base-10 rendering are kept; shorter renderings
// are left as they are. The result is then divided by 10^fractionalDigits.
// A minus sign counts as a character, so a narrow window drops it.
func DecodeFixedPoint(raw any, keepDigits, fractionalDigits int) float64 {
	v, ok := parseNumeral(raw)
	if !ok {
		return Unparseable
	}

	if keepDigits > 0 {
		s := formatNumeral(v)
		if window := keepDigits + fractionalDigits; len(s) > window {
			s = s[len(s)-window:]
		}
		if v, ok = parseNumeral(s); !ok {
			return Unparseable
		}
	}

	if fractionalDigits > 0 {
		v /= math.Pow10(fractionalDigits)
	}

	return v
}

// DecodeCoil reports whether raw is exactly the number 1. Absent values and
// anything else decode to false.
func DecodeCoil(raw any) bool {
	switch val := raw.(type) {
	case float64:
		return val == 1
	case int:
		return val == 1
	case int64:
		return val == 1
	case uint16:
		return val == 1
	case json.Number:
		f, err := val.Float64()
		return err == nil && f == 1
	default:
		return false
	}
}

func parseNumeral(raw any) (float64, bool) {
	var f float64
	switch val := raw.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int16:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint16:
		f = float64(val)
	case json.Number:
		return parseNumeral(val.String())
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, true
		}
		if !decimalNumeral.MatchString(s) {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func formatNumeral(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
