package currency

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnsupported = errors.New("unsupported currency")

// minorUnitExponent maps settlement currencies to the number of fractional
// digits their minor unit represents. Rappen and cents are both 1/100.
var minorUnitExponent = map[string]int32{
	"CHF": 2,
	"EUR": 2,
}

// Normalize upper-cases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate returns ErrUnsupported for codes the platform cannot settle in.
func Validate(code string) error {
	if _, ok := minorUnitExponent[Normalize(code)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return nil
}

// MinorUnitExponent returns the minor-unit exponent for code.
func MinorUnitExponent(code string) (int32, error) {
	exp, ok := minorUnitExponent[Normalize(code)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return exp, nil
}

// Supported lists the settlement currencies in code order.
func Supported() []string {
	codes := make([]string, 0, len(minorUnitExponent))
	for c := range minorUnitExponent {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
