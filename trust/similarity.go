// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"strings"
	"unicode"
)

// Similarity metrics all return a score in [0,1], 1 for identical inputs.
// Phonetic algorithms (cologne, soundex) return 1 when the codes agree and
// 0 otherwise.

const (
	defaultSimilarityThreshold = 0.85
	defaultWinklerPrefixScale  = 0.1
	maxWinklerPrefixScale      = 0.25
	maxSimilarityInputLen      = 10_000
)

func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 || lb == 0 {
		return 0
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	dist := prev[lb]
	longer := la
	if lb > longer {
		longer = lb
	}
	return 1 - float64(dist)/float64(longer)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func jaroSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	window := la
	if lb > window {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, la)
	matchedB := make([]bool, lb)
	matches := 0
	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if matchedB[j] || ra[i] != rb[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < la; i++ {
		if !matchedA[i] {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if ra[i] != rb[j] {
			transpositions++
		}
		j++
	}
	m := float64(matches)
	return (m/float64(la) + m/float64(lb) + (m-float64(transpositions)/2)/m) / 3
}

func jaroWinklerSimilarity(a, b string, prefixScale float64) float64 {
	if prefixScale <= 0 {
		prefixScale = defaultWinklerPrefixScale
	}
	if prefixScale > maxWinklerPrefixScale {
		prefixScale = maxWinklerPrefixScale
	}
	jaro := jaroSimilarity(a, b)
	prefix := 0
	ra, rb := []rune(a), []rune(b)
	for prefix < len(ra) && prefix < len(rb) && prefix < 4 && ra[prefix] == rb[prefix] {
		prefix++
	}
	return jaro + float64(prefix)*prefixScale*(1-jaro)
}

// ngrams returns the multiset of n-grams of s as a count map.
func ngrams(s string, n int) map[string]int {
	grams := make(map[string]int)
	runes := []rune(s)
	if len(runes) < n {
		if len(runes) > 0 {
			grams[string(runes)]++
		}
		return grams
	}
	for i := 0; i+n <= len(runes); i++ {
		grams[string(runes[i:i+n])]++
	}
	return grams
}

func diceSorensenSimilarity(a, b string, n int) float64 {
	if n <= 0 {
		n = 2
	}
	if a == b {
		return 1
	}
	ga, gb := ngrams(a, n), ngrams(b, n)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	overlap, totalA, totalB := 0, 0, 0
	for g, ca := range ga {
		totalA += ca
		if cb, ok := gb[g]; ok {
			if cb < ca {
				overlap += cb
			} else {
				overlap += ca
			}
		}
	}
	for _, cb := range gb {
		totalB += cb
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

func jaccardSimilarity(a, b string, n int) float64 {
	if n <= 0 {
		n = 2
	}
	if a == b {
		return 1
	}
	ga, gb := ngrams(a, n), ngrams(b, n)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	intersection := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			intersection++
		}
	}
	union := len(ga) + len(gb) - intersection
	return float64(intersection) / float64(union)
}

// soundexCode implements American Soundex: first letter plus three digits.
func soundexCode(s string) string {
	var letters []rune
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}
	digit := func(r rune) byte {
		switch r {
		case 'B', 'F', 'P', 'V':
			return '1'
		case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
			return '2'
		case 'D', 'T':
			return '3'
		case 'L':
			return '4'
		case 'M', 'N':
			return '5'
		case 'R':
			return '6'
		}
		return 0 // vowels and H, W, Y
	}

	code := []byte{byte(letters[0])}
	prev := digit(letters[0])
	for _, r := range letters[1:] {
		d := digit(r)
		// H and W are transparent: they do not break a run of equal codes.
		if r == 'H' || r == 'W' {
			continue
		}
		if d != 0 && d != prev {
			code = append(code, d)
			if len(code) == 4 {
				break
			}
		}
		prev = d
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

// colognePhoneticCode implements the Kölner Phonetik, suited to German
// names where Soundex performs poorly.
func colognePhoneticCode(s string) string {
	var letters []rune
	for _, r := range strings.ToUpper(s) {
		switch r {
		case 'Ä':
			letters = append(letters, 'A')
		case 'Ö':
			letters = append(letters, 'O')
		case 'Ü':
			letters = append(letters, 'U')
		case 'ß':
			letters = append(letters, 'S')
		default:
			if unicode.IsLetter(r) && r <= 'Z' {
				letters = append(letters, r)
			}
		}
	}
	if len(letters) == 0 {
		return ""
	}

	get := func(i int) rune {
		if i < 0 || i >= len(letters) {
			return 0
		}
		return letters[i]
	}
	codeOf := func(i int) byte {
		r := letters[i]
		prev, next := get(i-1), get(i+1)
		switch r {
		case 'A', 'E', 'I', 'J', 'O', 'U', 'Y':
			return '0'
		case 'B':
			return '1'
		case 'P':
			if next == 'H' {
				return '3'
			}
			return '1'
		case 'D', 'T':
			if next == 'C' || next == 'S' || next == 'Z' {
				return '8'
			}
			return '2'
		case 'F', 'V', 'W':
			return '3'
		case 'G', 'K', 'Q':
			return '4'
		case 'C':
			if i == 0 {
				if next == 'A' || next == 'H' || next == 'K' || next == 'L' ||
					next == 'O' || next == 'Q' || next == 'R' || next == 'U' || next == 'X' {
					return '4'
				}
				return '8'
			}
			if prev == 'S' || prev == 'Z' {
				return '8'
			}
			if next == 'A' || next == 'H' || next == 'K' || next == 'O' ||
				next == 'Q' || next == 'U' || next == 'X' {
				return '4'
			}
			return '8'
		case 'X':
			if prev == 'C' || prev == 'K' || prev == 'Q' {
				return '8'
			}
			return 0x48 // expands to "48"
		case 'L':
			return '5'
		case 'M', 'N':
			return '6'
		case 'R':
			return '7'
		case 'S', 'Z':
			return '8'
		case 'H':
			return 0xFF // silent
		}
		return 0xFF
	}

	var raw []byte
	for i := range letters {
		c := codeOf(i)
		switch c {
		case 0xFF:
			continue
		case 0x48:
			raw = append(raw, '4', '8')
		default:
			raw = append(raw, c)
		}
	}

	// Collapse runs, then drop every '0' except a leading one.
	var out []byte
	var last byte
	for i, c := range raw {
		if i > 0 && c == last {
			continue
		}
		last = c
		if c == '0' && len(out) > 0 {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func phoneticSimilarity(code func(string) string, a, b string) float64 {
	ca, cb := code(a), code(b)
	if ca == "" || cb == "" {
		return 0
	}
	if ca == cb {
		return 1
	}
	return 0
}
