// Package codec converts between (type, capacity, name) triples and bridge codes of
// the form "[TYPE][CAPACITY]-<slug>".
package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"tblbridge/api/internal/capacity"
)

type TypeDigit string

const (
	Branch      TypeDigit = "1"
	SubBranch   TypeDigit = "2"
	Field       TypeDigit = "3"
	Option      TypeDigit = "4"
	OptionField TypeDigit = "5"
	DataField   TypeDigit = "6"
	Section     TypeDigit = "7"
)

func (t TypeDigit) Valid() bool {
	return len(t) == 1 && t[0] >= '1' && t[0] <= '7'
}

// Pattern is the format every stored code must match.
var Pattern = regexp.MustCompile(`^[1-7][1-4]-[a-z0-9-]+$`)

var ErrInvalidParameter = errors.New("invalid parameter")

// IsValid reports whether code matches Pattern.
func IsValid(code string) bool {
	return Pattern.MatchString(code)
}

// Encode builds a code. It fails with ErrInvalidParameter on an out-of-range digit or
// a name that normalises to nothing.
func Encode(typeDigit TypeDigit, capacityDigit capacity.Capacity, name string) (string, error) {
	if !typeDigit.Valid() {
		return "", fmt.Errorf("%w: type digit %q (expected 1-7)", ErrInvalidParameter, string(typeDigit))
	}
	if !capacityDigit.Valid() {
		return "", fmt.Errorf("%w: capacity digit %q (expected 1-4)", ErrInvalidParameter, string(capacityDigit))
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidParameter)
	}
	slug := Slug(name)
	if slug == "" {
		return "", fmt.Errorf("%w: name %q has no usable characters", ErrInvalidParameter, name)
	}
	return string(typeDigit) + string(capacityDigit) + "-" + slug, nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug lower-cases name, strips diacritics, turns every run of characters outside
// [a-z0-9] into a single dash and trims dashes at both ends.
func Slug(name string) string {
	folded, _, err := transform.String(stripMarks, strings.ToLower(name))
	if err != nil {
		folded = strings.ToLower(name)
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingDash := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}
