package formatter

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Amount renders money with thousands separators and no fraction when the
// value is whole.
func Amount(v float64) string {
	if v == math.Trunc(v) {
		return printer.Sprintf("%d", int64(v))
	}
	return printer.Sprintf("%.2f", v)
}

// Integer renders a count with thousands separators.
func Integer(n int64) string {
	return printer.Sprintf("%d", n)
}
