package chat

import (
	"strconv"
	"strings"
)

// FormatResponse normalizes assistant text for Vietnamese readers: digit
// groups separated by dots (1.000.000), decimal commas (15,5), so "12,345.6"
// and "12345.6" both come out as "12.345,6". Numbers embedded in dates,
// identifiers, or existing Vietnamese formatting are left alone.
func FormatResponse(text string) string {
	var out strings.Builder
	out.Grow(len(text))

	runes := []rune(text)
	i := 0
	for i < len(runes) {
		if !isDigit(runes[i]) || partOfWord(runes, i) {
			r := runes[i]
			out.WriteRune(r)
			i++
			if isBoundary(r) {
				continue
			}
			// Skip the rest of a word or date so its digits are not
			// re-examined mid-token.
			for i < len(runes) && !isBoundary(runes[i]) {
				out.WriteRune(runes[i])
				i++
			}
			continue
		}
		start := i
		for i < len(runes) && isNumberRune(runes[i]) {
			i++
		}
		// Trailing separator belongs to the sentence, not the number.
		end := i
		for end > start && (runes[end-1] == '.' || runes[end-1] == ',') {
			end--
		}
		i = end
		token := string(runes[start:end])
		if looksLikeDate(runes, start, end) {
			out.WriteString(token)
			continue
		}
		out.WriteString(formatNumber(token))
	}
	return out.String()
}

// formatNumber rewrites one numeric token in Vietnamese convention.
// Ambiguous comma/dot mixes that do not parse cleanly are left untouched.
func formatNumber(token string) string {
	intPart, fracPart, ok := splitNumber(token)
	if !ok {
		return token
	}
	// Plain four-digit tokens in the calendar range read as years.
	if fracPart == "" && len(intPart) == 4 && intPart == token &&
		(intPart[0] == '1' || intPart[0] == '2') {
		return token
	}
	var b strings.Builder
	for pos, d := range intPart {
		if pos > 0 && (len(intPart)-pos)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	if fracPart != "" {
		b.WriteByte(',')
		b.WriteString(fracPart)
	}
	return b.String()
}

// splitNumber resolves a token like "12,345.6", "12.345,6", "12345.6", or
// "1.000.000" into integer and fraction digits.
func splitNumber(token string) (intPart, fracPart string, ok bool) {
	lastDot := strings.LastIndexByte(token, '.')
	lastComma := strings.LastIndexByte(token, ',')

	var sep int // index of the decimal separator, -1 if none
	switch {
	case lastDot < 0 && lastComma < 0:
		sep = -1
	case lastDot >= 0 && lastComma >= 0:
		// The later separator is the decimal one; the other groups digits.
		sep = lastDot
		if lastComma > lastDot {
			sep = lastComma
		}
	case lastDot >= 0:
		sep = decimalOrGrouping(token, '.', lastDot)
	default:
		sep = decimalOrGrouping(token, ',', lastComma)
	}

	digitsOnly := func(s string) (string, bool) {
		s = strings.Map(func(r rune) rune {
			if r == '.' || r == ',' {
				return -1
			}
			return r
		}, s)
		if _, err := strconv.ParseUint(s, 10, 64); err != nil {
			return "", false
		}
		return s, true
	}

	if sep < 0 {
		intPart, ok = digitsOnly(token)
		return intPart, "", ok
	}
	intPart, ok = digitsOnly(token[:sep])
	if !ok {
		return "", "", false
	}
	frac := token[sep+1:]
	if strings.ContainsAny(frac, ".,") {
		return "", "", false
	}
	return intPart, frac, true
}

// decimalOrGrouping decides whether a token's only separator kind marks
// decimals or thousands: repeated separators or a three-digit tail after a
// dot in a long number read as grouping.
func decimalOrGrouping(token string, sep byte, last int) int {
	if strings.Count(token, string(sep)) > 1 {
		return -1 // 1.000.000 style grouping
	}
	tail := len(token) - last - 1
	if sep == ',' && tail == 3 {
		return -1 // 12,345 style grouping
	}
	if sep == '.' && tail == 3 && last >= 2 {
		return -1 // 12.345 reads as grouped thousands, 1.5 as decimal
	}
	return last
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isNumberRune(r rune) bool { return isDigit(r) || r == '.' || r == ',' }

func isBoundary(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '(' || r == ')' || r == ':' || r == ';'
}

// partOfWord reports whether the digit at i continues a word such as an
// order id ("ORD123") rather than starting a number.
func partOfWord(runes []rune, i int) bool {
	if i == 0 {
		return false
	}
	prev := runes[i-1]
	return prev == '_' || prev == '-' || prev == '/' ||
		(prev >= 'a' && prev <= 'z') || (prev >= 'A' && prev <= 'Z')
}

// looksLikeDate leaves 2024-01-01 and 01/02/2024 style tokens untouched.
func looksLikeDate(runes []rune, start, end int) bool {
	if end < len(runes) && (runes[end] == '-' || runes[end] == '/') {
		return true
	}
	if start > 0 && (runes[start-1] == '-' || runes[start-1] == '/') {
		return true
	}
	return false
}
