// Package match resolves parsed supplier stubs against the tenant vendor
// directory. Two engines produce the same weighted score from different
// name-similarity sources: an indexed trigram query in the database and an
// in-process edit-distance scan. A flag router picks the engine per call.
package match

import (
	"strings"
	"unicode"
)

// suffixTokens are dropped from names before comparison. "Acme Corp" and
// "Acme Inc" must normalize to the same string.
var suffixTokens = map[string]struct{}{
	"inc": {}, "llc": {}, "ltd": {}, "corp": {}, "co": {}, "gmbh": {},
	"sa": {}, "ag": {}, "pty": {}, "plc": {}, "limited": {},
	"corporation": {}, "company": {}, "the": {},
}

// Normalize canonicalizes a supplier name: lowercase, punctuation to
// spaces, business-suffix tokens removed, whitespace collapsed. The
// suppliers.name_normalized column holds exactly this form, so both engines
// and the store must agree on it. Idempotent.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	kept := fields[:0]
	for _, f := range fields {
		if _, drop := suffixTokens[f]; drop {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// emailDomain extracts the lowercased domain of an address, or "".
func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

// websiteDomain reduces a URL or bare host to its lowercased host,
// dropping scheme, credentials, path and a leading www.
func websiteDomain(site string) string {
	s := strings.ToLower(strings.TrimSpace(site))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	for _, sep := range []byte{'/', '?', '#', ':'} {
		if i := strings.IndexByte(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimPrefix(s, "www.")
}

// phoneDigits keeps the last ten digits of a phone number, enough to
// compare numbers across formatting and country-prefix differences.
func phoneDigits(phone string) string {
	digits := make([]byte, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, byte(r))
		}
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}
