// Package validator implements the typed field validators of the drafting
// engine. Every validator is a pure function from a raw string to its
// normalized form or an error whose message is shown to the user verbatim.
// Validators never panic on malformed input and have no side effects, so
// they can be unit tested in isolation.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Func validates and normalizes a raw value. The returned error message is
// user-facing and describes the expected format.
type Func func(raw string) (string, error)

// registry maps field type names to their validator. Unknown types fall
// back to non-empty trimmed text.
var registry = map[string]Func{
	"iban":        IBAN,
	"rnokpp":      RNOKPP,
	"edrpou":      EDRPOU,
	"email":       Email,
	"date":        Date,
	"money":       Money,
	"phone":       Phone,
	"person_name": PersonName,
	"address":     Address,
	"text":        Text,
}

// Validate runs the validator registered for fieldType. Unknown types use
// the text fallback.
func Validate(fieldType, raw string) (string, error) {
	fn, ok := registry[fieldType]
	if !ok {
		fn = Text
	}
	return fn(raw)
}

// InferType guesses a field type from its id when the schema does not
// declare one. The heuristics follow common naming conventions
// (lessor_iban -> iban, signed_at -> date, ...).
func InferType(fieldID string) string {
	f := strings.ToLower(fieldID)
	switch {
	case strings.Contains(f, "iban"):
		return "iban"
	case strings.Contains(f, "rnokpp"), strings.Contains(f, "tax_id"), strings.Contains(f, "ipn"):
		return "rnokpp"
	case strings.Contains(f, "edrpou"):
		return "edrpou"
	case strings.Contains(f, "date"), strings.HasSuffix(f, "_at"):
		return "date"
	case strings.Contains(f, "email"), strings.Contains(f, "mail"):
		return "email"
	case strings.Contains(f, "phone"), strings.Contains(f, "tel"):
		return "phone"
	case strings.Contains(f, "amount"), strings.Contains(f, "price"), strings.Contains(f, "sum"):
		return "money"
	case strings.Contains(f, "name"), f == "pib":
		return "person_name"
	case strings.Contains(f, "address"), strings.Contains(f, "addr"):
		return "address"
	default:
		return "text"
	}
}

var (
	ibanCharsRE = regexp.MustCompile(`^[A-Z0-9]+$`)
	spaceRE     = regexp.MustCompile(`\s+`)
	nonDigitRE  = regexp.MustCompile(`\D+`)
	emailRE     = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	moneyRE     = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)
	phoneRE     = regexp.MustCompile(`^(\+?38)?0\d{9}$`)
	dateDMY_RE  = regexp.MustCompile(`^\s*(\d{1,2})[.\-/](\d{1,2})(?:[.\-/](\d{2,4}))?\s*$`)
	dateISO_RE  = regexp.MustCompile(`^\s*(\d{4})[.\-/](\d{1,2})[.\-/](\d{1,2})\s*$`)
)

// mod97 runs the ISO 13616 check over an already-cleaned IBAN.
func mod97(iban string) bool {
	if len(iban) < 4 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			rem = (rem*10 + int(ch-'0')) % 97
		case ch >= 'A' && ch <= 'Z':
			// A=10 ... Z=35, folded in digit by digit.
			for _, d := range fmt.Sprintf("%d", int(ch-'A')+10) {
				rem = (rem*10 + int(d-'0')) % 97
			}
		default:
			return false
		}
	}
	return rem == 1
}

// IBAN validates a Ukrainian IBAN: 29 characters, UA prefix, MOD-97 check.
// Whitespace is stripped and the result uppercased.
func IBAN(raw string) (string, error) {
	cleaned := strings.ToUpper(spaceRE.ReplaceAllString(raw, ""))
	if cleaned == "" {
		return "", nil
	}
	if !strings.HasPrefix(cleaned, "UA") {
		return "", errors.New("IBAN must start with 'UA' and contain 29 characters")
	}
	if len(cleaned) != 29 {
		return "", errors.New("a Ukrainian IBAN must contain exactly 29 characters starting with 'UA'")
	}
	if !ibanCharsRE.MatchString(cleaned) {
		return "", errors.New("IBAN may contain only latin letters and digits")
	}
	if !mod97(cleaned) {
		return "", errors.New("IBAN failed the MOD-97 check, please verify the number")
	}
	return cleaned, nil
}

// rnokppOK verifies the RNOKPP control digit over a 10-digit code.
func rnokppOK(code string) bool {
	if len(code) != 10 {
		return false
	}
	weights := []int{-1, 5, 7, 9, 4, 6, 10, 5, 7}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(code[i]-'0') * weights[i]
	}
	ctrl := (sum % 11) % 10
	return ctrl == int(code[9]-'0')
}

// RNOKPP validates a national tax id: exactly 10 digits with a valid
// control digit. Non-digits are stripped before checking.
func RNOKPP(raw string) (string, error) {
	cleaned := nonDigitRE.ReplaceAllString(raw, "")
	if len(cleaned) != 10 {
		return "", errors.New("tax id (RNOKPP) must contain exactly 10 digits")
	}
	if !rnokppOK(cleaned) {
		return "", errors.New("tax id (RNOKPP) failed the control digit check")
	}
	return cleaned, nil
}

// edrpouOK verifies the EDRPOU control digit for 8 or 10 digit codes.
// When the first weight set yields 10 the second set is applied.
func edrpouOK(code string) bool {
	n := len(code)
	if n != 8 && n != 10 {
		return false
	}
	digits := make([]int, n)
	for i := 0; i < n; i++ {
		digits[i] = int(code[i] - '0')
	}
	ctrlIdx := n - 1
	sumWith := func(offset int) int {
		s := 0
		for i := 0; i < ctrlIdx; i++ {
			s += digits[i] * (i + offset)
		}
		return s
	}
	ctrl := sumWith(1) % 11
	if ctrl == 10 {
		ctrl = sumWith(3) % 11
		if ctrl == 10 {
			ctrl = 0
		}
	}
	return ctrl == digits[ctrlIdx]
}

// EDRPOU validates a company registration code (8 or 10 digits with a
// valid control digit).
func EDRPOU(raw string) (string, error) {
	cleaned := nonDigitRE.ReplaceAllString(raw, "")
	if len(cleaned) != 8 && len(cleaned) != 10 {
		return "", errors.New("company code (EDRPOU) must contain 8 or 10 digits")
	}
	if !edrpouOK(cleaned) {
		return "", errors.New("company code (EDRPOU) failed the control digit check")
	}
	return cleaned, nil
}

// Email validates and lowercases an email address.
func Email(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", errors.New("email must not be empty")
	}
	if !emailRE.MatchString(email) {
		return "", errors.New("invalid email format, expected something like name@example.com")
	}
	return email, nil
}

// Date normalizes a date to DD.MM.YYYY. Accepted inputs are DD.MM.YYYY
// (also - and / separators, two-digit years mapped into 2000+) and ISO
// YYYY-MM-DD. The year must be present explicitly.
func Date(raw string) (string, error) {
	var day, month, year int
	if m := dateISO_RE.FindStringSubmatch(raw); m != nil {
		year = atoi(m[1])
		month = atoi(m[2])
		day = atoi(m[3])
	} else if m := dateDMY_RE.FindStringSubmatch(raw); m != nil {
		day = atoi(m[1])
		month = atoi(m[2])
		if m[3] == "" {
			return "", errors.New("please include the year, expected format DD.MM.YYYY, e.g. 01.09.2025")
		}
		year = atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
	} else {
		return "", errors.New("expected a date in DD.MM.YYYY format, e.g. 01.09.2025")
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return "", errors.New("no such calendar date, please check the day and month")
	}
	return t.Format("02.01.2006"), nil
}

// Money normalizes an amount to a dot-decimal string with two fraction
// digits. Thousands spaces and comma decimals are accepted.
func Money(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", " ", "", ",", ".").Replace(raw)
	if !moneyRE.MatchString(cleaned) {
		return "", errors.New("amount must be a number, e.g. 15000 or 15000.00")
	}
	intPart := cleaned
	frac := "00"
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		intPart = cleaned[:i]
		frac = cleaned[i+1:]
		if len(frac) == 1 {
			frac += "0"
		}
	}
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	return intPart + "." + frac, nil
}

// Phone validates a Ukrainian phone number and normalizes it to the
// +380XXXXXXXXX form.
func Phone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !phoneRE.MatchString(cleaned) {
		return "", errors.New("expected a Ukrainian phone number, e.g. +380931234567 or 0931234567")
	}
	digits := strings.TrimPrefix(cleaned, "+")
	digits = strings.TrimPrefix(digits, "38")
	return "+38" + digits, nil
}

// PersonName capitalizes each word of a name. Single-word names are
// accepted for pseudonyms and short company names.
func PersonName(raw string) (string, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return "", errors.New("name must not be empty")
	}
	for i, p := range parts {
		runes := []rune(p)
		if len(runes) == 1 {
			parts[i] = strings.ToUpper(p)
			continue
		}
		parts[i] = strings.ToUpper(string(runes[:1])) + strings.ToLower(string(runes[1:]))
	}
	return strings.Join(parts, " "), nil
}

// Address collapses internal whitespace and keeps the casing as entered.
func Address(raw string) (string, error) {
	return strings.Join(strings.Fields(raw), " "), nil
}

// Text is the fallback validator: trimmed, must be non-empty.
func Text(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("value must not be empty")
	}
	return trimmed, nil
}

func atoi(s string) int {
	n := 0
	for _, ch := range s {
		n = n*10 + int(ch-'0')
	}
	return n
}
