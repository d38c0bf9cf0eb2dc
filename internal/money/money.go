// Package money parses and formats monetary amounts in the portal's
// locale (thousands ".", decimals ","), e.g. "$ 20.115.680,0000".
package money

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var nonNumeric = regexp.MustCompile(`[^\d,.\-]+`)

// Parse converts a portal money string to a float.
// The second return value is false when the text carries no amount
// ("", "null", garbage). Never guesses zero for missing values.
func Parse(txt string) (float64, bool) {
	s := strings.TrimSpace(txt)
	if s == "" || strings.EqualFold(s, "null") {
		return 0, false
	}

	s = nonNumeric.ReplaceAllString(s, "")
	// "20.115.680,0000" -> "20115680.0000"
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format renders a float in portal style with the given number of
// decimals. Display only; no attempt to be byte-identical to the portal.
func Format(value float64, decimals int) string {
	s := strconv.FormatFloat(value, 'f', decimals, 64)

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}

	var b strings.Builder
	for i, ch := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(ch)
	}

	out := b.String()
	if fracPart != "" {
		out += "," + fracPart
	}
	if neg {
		out = "-" + out
	}
	return fmt.Sprintf("$ %s", out)
}

// ParseNumber converts loose numeric text (Excel cells, "1.234,5",
// "1,234.5", "30%") to a float. Used by the spreadsheet importer.
func ParseNumber(txt string) (float64, bool) {
	s := strings.TrimSpace(txt)
	if s == "" {
		return 0, false
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")

	switch {
	case hasComma && hasDot:
		// Both separators present: the one further right is the decimal
		// mark ("1.234,5" is AR, "1,234.5" is US).
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		parts := strings.Split(s, ",")
		if len(parts) > 1 && allLen3(parts[1:]) {
			s = strings.Join(parts, "")
		} else {
			s = strings.ReplaceAll(s, ",", ".")
		}
	case hasDot:
		parts := strings.Split(s, ".")
		if len(parts) > 1 && allLen3(parts[1:]) {
			s = strings.Join(parts, "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func allLen3(parts []string) bool {
	for _, p := range parts {
		if len(p) != 3 {
			return false
		}
	}
	return true
}
