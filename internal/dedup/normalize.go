package dedup

import (
	"net/url"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// foldPool holds transformer chains; a chain is stateful and must not be
// shared between goroutines.
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKD,
			cases.Fold(),
			runes.Remove(runes.In(unicode.Mn)),
			width.Fold,
			norm.NFC,
		)
	},
}

// fold case-folds s and strips diacritics: "Café Zürich" -> "cafe zurich".
func fold(s string) string {
	if s == "" {
		return ""
	}
	tr := foldPool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, strings.ToValidUTF8(s, ""))
	tr.Reset()
	foldPool.Put(tr)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// legalSuffixes are dropped from the end of names, repeatedly, so
// "Hub Services Pty Ltd" and "Hub Services" compare equal.
var legalSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "ltd": true, "limited": true,
	"llc": true, "llp": true, "lp": true, "plc": true, "pty": true,
	"co": true, "corp": true, "corporation": true, "company": true,
	"assn": true, "assoc": true, "gmbh": true, "nfp": true,
}

// tokenize folds s, maps & to "and", and splits on anything that is not a
// letter or digit. Apostrophes are dropped so "Children's" stays one token.
func tokenize(s string) []string {
	s = strings.ReplaceAll(fold(s), "&", " and ")
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// NormalizeName reduces a service or organization name to its comparable
// form: folded, punctuation-free, legal suffixes removed. A name made up
// only of suffixes keeps them.
func NormalizeName(name string) string {
	tokens := tokenize(name)
	end := len(tokens)
	for end > 1 && legalSuffixes[tokens[end-1]] {
		end--
	}
	if end == 1 && legalSuffixes[tokens[0]] && len(tokens) > 1 {
		end = len(tokens)
	}
	return strings.Join(tokens[:end], " ")
}

// NormalizeAddress folds a street address and expands common abbreviations.
func NormalizeAddress(addr string) string {
	tokens := tokenize(addr)
	for i, t := range tokens {
		if full, ok := streetAbbrev[t]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}

var streetAbbrev = map[string]string{
	"st": "street", "rd": "road", "ave": "avenue", "av": "avenue",
	"hwy": "highway", "pde": "parade", "cres": "crescent", "cr": "crescent",
	"dr": "drive", "ct": "court", "pl": "place", "tce": "terrace",
	"ln": "lane", "blvd": "boulevard", "sq": "square", "cct": "circuit",
	"lvl": "level", "fl": "floor", "ste": "suite",
}

// NormalizePhone reduces a phone number to its national significant number:
// digits only, international prefix and country code stripped, trunk 0
// dropped. "+61 (2) 9999 0000", "0061 2 9999 0000" and "02 9999 0000" all
// become "299990000". Returns "" for numbers with too few digits.
func NormalizePhone(phone, countryCode string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	international := strings.HasPrefix(strings.TrimSpace(phone), "+")
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}
	if international {
		if countryCode != "" && strings.HasPrefix(digits, countryCode) {
			digits = digits[len(countryCode):]
		} else {
			// Foreign numbers keep their country code.
			return digits
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if len(digits) < 6 {
		return ""
	}
	return digits
}

// NormalizeEmail case-folds an address and drops a mailto: prefix.
func NormalizeEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	e = strings.TrimPrefix(e, "mailto:")
	if !strings.Contains(e, "@") {
		return ""
	}
	return e
}

// NormalizeHost returns the lower-cased host of a URL without "www.".
// Bare hosts ("example.org/path") are accepted.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}
