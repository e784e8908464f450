package quantity

import (
	"fmt"
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// magnitudeNames is indexed by the number of 3-digit groups; 0 and 1 render as plain integers.
var magnitudeNames = [...]string{
	"",
	"",
	"million",
	"billion",
	"trillion",
	"quadrillion",
	"quintillion",
}

var enPrinter = message.NewPrinter(language.English)

// Format renders q for display: grouped integers below a million, named magnitudes up to
// quintillion, then two-letter suffixes (aa, ab, ..., az, ba, ...).
func (q Quantity) Format() string {
	if q.IsZero() {
		return "0"
	}
	if q.exponent < 6 {
		return enPrinter.Sprintf("%d", int64(math.Floor(q.Float64())))
	}

	group := q.exponent / 3
	display := q.mantissa * math.Pow10(q.exponent%3)
	if group < len(magnitudeNames) {
		return fmt.Sprintf("%.2f %s", display, magnitudeNames[group])
	}
	return fmt.Sprintf("%.2f %s", display, letterSuffix(group-len(magnitudeNames)))
}

func (q Quantity) String() string { return q.Format() }

func letterSuffix(i int) string {
	return string([]byte{byte('a' + i/26), byte('a' + i%26)})
}
