// Package scanner locates candidate primary account numbers and tokens in
// arbitrary byte buffers.
package scanner

import (
	"regexp"
	"strings"
)

// Kind identifies what a Match found.
type Kind int

const (
	// KindPAN is a Luhn-valid primary account number.
	KindPAN Kind = iota
	// KindToken is a tok_ token.
	KindToken
)

// Brand classifies a PAN by issuer prefix.
type Brand string

const (
	BrandVisa       Brand = "visa"
	BrandMastercard Brand = "mastercard"
	BrandAmex       Brand = "amex"
	BrandDiscover   Brand = "discover"
	BrandUnknown    Brand = "unknown"
)

// Match describes one scanner hit in a buffer.
type Match struct {
	Offset    int
	Length    int
	Kind      Kind
	Canonical string // digits-only PAN, or the exact token string
	Brand     Brand  // only meaningful for KindPAN
}

var (
	tokenPattern = regexp.MustCompile(`tok_[A-Za-z0-9_-]{43}`)
	// A maximal digit run allowing single spaces or hyphens as internal
	// separators between digits, holding 13 to 28 digits. Runs longer than
	// 19 digits are matched whole (up to 28 digits); Scan then keeps only
	// runs of 13 to 19 digits.
	digitRunPattern = regexp.MustCompile(`\d(?:[ -]?\d){12,27}`)
)

// Scan returns all non-overlapping matches in buf, left to right. Tokens
// take precedence over PAN matches on the same span; on overlap the
// earliest start wins, then the longer match wins.
func Scan(buf []byte) []Match {
	var candidates []Match

	for _, loc := range tokenPattern.FindAllIndex(buf, -1) {
		candidates = append(candidates, Match{
			Offset:    loc[0],
			Length:    loc[1] - loc[0],
			Kind:      KindToken,
			Canonical: string(buf[loc[0]:loc[1]]),
		})
	}

	for _, loc := range digitRunPattern.FindAllIndex(buf, -1) {
		raw := string(buf[loc[0]:loc[1]])
		digits := canonicalDigits(raw)
		if len(digits) < 13 || len(digits) > 19 {
			continue
		}
		if !LuhnValid(digits) {
			continue
		}
		candidates = append(candidates, Match{
			Offset:    loc[0],
			Length:    loc[1] - loc[0],
			Kind:      KindPAN,
			Canonical: digits,
			Brand:     ClassifyBrand(digits),
		})
	}

	return resolveOverlaps(candidates)
}

// resolveOverlaps sorts candidates left to right and drops overlapping
// matches per the scanner's overlap policy: earliest start wins; on equal
// start, the longer match wins; tokens win ties against PAN matches that
// start at the same offset because a token span is always the longer,
// more specific match.
func resolveOverlaps(candidates []Match) []Match {
	if len(candidates) == 0 {
		return nil
	}

	sortMatches(candidates)

	var result []Match
	end := -1
	for _, m := range candidates {
		if m.Offset < end {
			continue
		}
		result = append(result, m)
		end = m.Offset + m.Length
	}
	return result
}

func sortMatches(matches []Match) {
	// Insertion sort: candidate counts per buffer are small, and this
	// keeps the ordering rule (start asc, then length desc) explicit.
	for i := 1; i < len(matches); i++ {
		j := i
		for j > 0 && less(matches[j], matches[j-1]) {
			matches[j], matches[j-1] = matches[j-1], matches[j]
			j--
		}
	}
}

func less(a, b Match) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Length > b.Length
}

func canonicalDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LuhnValid reports whether digits (a digit-only string) passes the Luhn
// mod-10 checksum.
func LuhnValid(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ClassifyBrand applies prefix rules to a canonical, digits-only PAN.
func ClassifyBrand(digits string) Brand {
	n := len(digits)
	switch {
	case n == 16 && (strings.HasPrefix(digits, "6011") || has65Prefix(digits)):
		return BrandDiscover
	case strings.HasPrefix(digits, "4") && (n == 13 || n == 16 || n == 19):
		return BrandVisa
	case n == 16 && hasMastercardPrefix(digits):
		return BrandMastercard
	case n == 15 && (strings.HasPrefix(digits, "34") || strings.HasPrefix(digits, "37")):
		return BrandAmex
	default:
		return BrandUnknown
	}
}

func has65Prefix(digits string) bool {
	return strings.HasPrefix(digits, "65")
}

func hasMastercardPrefix(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	prefix := digits[:2]
	return prefix >= "51" && prefix <= "55"
}

// CanonicalToken reports whether s matches the tok_ token format exactly.
func CanonicalToken(s string) bool {
	loc := tokenPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}
