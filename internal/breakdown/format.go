package breakdown

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const nairaSign = "₦"

var hundred = decimal.NewFromInt(100)

// Formatter renders amounts for one locale.
type Formatter struct {
	printer *message.Printer
}

// NewFormatter returns a Formatter grouping digits the way tag does.
func NewFormatter(tag language.Tag) *Formatter {
	return &Formatter{printer: message.NewPrinter(tag)}
}

var defaultFormatter = NewFormatter(language.English)

// FormatNaira renders d as naira with thousands grouping and two decimals,
// e.g. ₦150,000.00 or -₦1,000.00.
func FormatNaira(d decimal.Decimal) string {
	return defaultFormatter.Naira(d)
}

// FormatCurrency renders d in the given ISO currency. NGN and an empty code
// use the naira sign; other currencies are prefixed with their code.
func FormatCurrency(d decimal.Decimal, code string) string {
	return defaultFormatter.Currency(d, code)
}

// Naira formats d as naira.
func (f *Formatter) Naira(d decimal.Decimal) string {
	return f.withPrefix(d, nairaSign)
}

// Currency formats d in the given ISO currency.
func (f *Formatter) Currency(d decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == "NGN" {
		return f.Naira(d)
	}
	if unit, err := currency.ParseISO(code); err == nil {
		code = unit.String()
	}
	return f.withPrefix(d, code+" ")
}

// Rate renders a percentage rate, e.g. 12.5%.
func (f *Formatter) Rate(d decimal.Decimal) string {
	return d.String() + "%"
}

// Signed renders the magnitude of d as naira behind an explicit sign.
func (f *Formatter) Signed(d decimal.Decimal, sign string) string {
	return sign + f.Naira(d.Abs())
}

func (f *Formatter) withPrefix(d decimal.Decimal, prefix string) string {
	d = d.Round(2)
	neg := d.IsNegative()
	abs := d.Abs()

	whole := abs.Truncate(0)
	cents := abs.Sub(whole).Mul(hundred).IntPart()

	out := prefix + f.groupWhole(whole) + fmt.Sprintf(".%02d", cents)
	if neg {
		return "-" + out
	}
	return out
}

// groupWhole renders a non-negative integral amount with the locale's digit
// grouping. Amounts beyond int64 are grouped by hand with the same separator.
func (f *Formatter) groupWhole(whole decimal.Decimal) string {
	if b := whole.BigInt(); b.IsInt64() {
		return f.printer.Sprintf("%d", b.Int64())
	}
	sep := strings.Trim(f.printer.Sprintf("%d", 1000), "0123456789")
	digits := whole.String()
	var sb strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteString(sep)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
