// Package format renders counts and sizes for people.
package format

import "fmt"

type unit struct {
	size   float64
	suffix string
}

var (
	numberUnits = []unit{{1e12, "T"}, {1e9, "B"}, {1e6, "M"}, {1e3, "K"}}
	byteUnits   = []unit{{1e12, " TB"}, {1e9, " GB"}, {1e6, " MB"}, {1e3, " KB"}}
)

// HumanNumber abbreviates n with three significant digits, e.g. 1.23M.
func HumanNumber(n uint64) string {
	for _, u := range numberUnits {
		if float64(n) >= u.size {
			return decimalPlace(float64(n)/u.size) + u.suffix
		}
	}
	return fmt.Sprintf("%d", n)
}

// HumanBytes formats b in decimal units with one decimal place.
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if float64(b) > u.size {
			return fmt.Sprintf("%.1f%s", float64(b)/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
