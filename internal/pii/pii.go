// Package pii detects personally identifiable information in free text and
// replaces it with opaque [TYPE#N] tags before the text leaves the process
// boundary. The tag map stays inside the boundary, so the round trip is
// lossless: Unmask restores the exact original values.
//
// Detection works on a canonical projection of the text (zero-width
// characters dropped, Cyrillic/Latin confusables folded, letters
// uppercased) so that spaced or visually obfuscated values like
// "UA21 3223 ..." are still caught, and matched spans are mapped back onto
// the original text including surrounding separator noise.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/iliyamo/contract-drafting/internal/validator"
)

// Sanitizer is the masking boundary used by the agent layer: everything a
// model sees goes through Mask first, everything a tool executes goes
// through Unmask.
type Sanitizer interface {
	Mask(text string) (string, map[string]string)
	Unmask(text string, tags map[string]string) string
}

// Detected PII types, highest priority first. When spans overlap the
// higher-priority type wins the overlapping segment.
const (
	TypePrivateKey   = "PRIVATE_KEY"
	TypeJWT          = "JWT"
	TypeIBAN         = "IBAN"
	TypeCard         = "CARD"
	TypeIPN          = "IPN"
	TypeUNZR         = "UNZR"
	TypePassportBook = "PASSPORT_BOOK"
	TypePassportID   = "PASSPORT_ID"
	TypePhone        = "PHONE"
	TypeEmail        = "EMAIL"
	TypeAddress      = "ADDRESS"
	TypeDOB          = "DOB"
	TypeName         = "NAME"
)

var priority = map[string]int{
	TypePrivateKey:   100,
	TypeJWT:          95,
	TypeIBAN:         90,
	TypeCard:         90,
	TypeIPN:          85,
	TypeUNZR:         80,
	TypePassportBook: 80,
	TypePassportID:   80,
	TypePhone:        70,
	TypeEmail:        70,
	TypeAddress:      60,
	TypeDOB:          60,
	TypeName:         60,
}

var (
	emailRE = regexp.MustCompile(`[A-Za-z0-9_.%+-]+@[A-Za-z0-9-]+\.[A-Za-z0-9.-]+`)
	phoneRE = regexp.MustCompile(`(?:\+?38\s*\(?0\d{2}\)?[\s\-.]*\d{3}[\s\-.]*\d{2}[\s\-.]*\d{2}|0\d{2}[\s\-.]*\d{3}[\s\-.]*\d{2}[\s\-.]*\d{2})`)
	jwtRE   = regexp.MustCompile(`\b[A-Za-z0-9\-_]{3,}\.[A-Za-z0-9\-_]{3,}\.[A-Za-z0-9\-_]{3,}\b`)
	pkeyRE  = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)

	ibanCanonRE = regexp.MustCompile(`UA[A-Z0-9]{27}`)
	cardCanonRE = regexp.MustCompile(`\d{13,19}`)
	ipnCanonRE  = regexp.MustCompile(`\d{10}`)
	unzrCanonRE = regexp.MustCompile(`\d{13}`)
	unzrRawRE   = regexp.MustCompile(`\d{8}-\d{5}`)
	bookCanonRE = regexp.MustCompile(`[A-Z]{2}\d{6}`)
	passIDRE    = regexp.MustCompile(`(?i)(документ\s*№|номер\s*паспорта|document\s*no)\s*[:#]?\s*([0-9\s.\-]{9,14})`)

	// Three consecutive capitalized Cyrillic words: surname, name, patronymic.
	nameRE = regexp.MustCompile(`[А-ЯІЇЄҐ][а-яіїєґ'` + "`" + `]+\s+[А-ЯІЇЄҐ][а-яіїєґ'` + "`" + `]+\s+[А-ЯІЇЄҐ][а-яіїєґ'` + "`" + `]+`)

	// Label lines whose whole remainder is masked.
	labeledLines = []struct {
		typ string
		re  *regexp.Regexp
	}{
		{TypeName, regexp.MustCompile(`(?i)ПІБ\s*:.*`)},
		{TypeAddress, regexp.MustCompile(`(?i)Адреса\s*:.*`)},
		{TypeDOB, regexp.MustCompile(`(?i)Дата народження\s*:.*`)},
	}
)

// noise holds separator characters swallowed when a canonical match is
// mapped back onto the source text.
const noise = " \t\r\n-–—_.,:;·•()/\\[]{}<>|`'\"+*"

var confusables = map[rune]rune{
	'А': 'A', 'В': 'B', 'С': 'C', 'Е': 'E', 'Н': 'H', 'І': 'I', 'К': 'K',
	'М': 'M', 'О': 'O', 'Р': 'P', 'Т': 'T', 'Х': 'X', 'У': 'Y',
	'а': 'A', 'в': 'B', 'с': 'C', 'е': 'E', 'н': 'H', 'і': 'I', 'к': 'K',
	'м': 'M', 'о': 'O', 'р': 'P', 'т': 'T', 'х': 'X', 'у': 'Y',
}

type span struct {
	start, end int // byte offsets in the source text
	typ        string
	prio       int
}

// Tagger is the stateless regex-based Sanitizer implementation.
type Tagger struct{}

// NewTagger returns the default tagger.
func NewTagger() *Tagger { return &Tagger{} }

// Mask replaces every detected PII span with a [TYPE#N] tag and returns the
// tag-to-original-value map. Tags are numbered per type in order of
// appearance.
func (t *Tagger) Mask(text string) (string, map[string]string) {
	canon, starts, ends := canonicalize(text)

	var spans []span
	spans = append(spans, detectRaw(text)...)
	spans = append(spans, detectCanon(text, canon, starts, ends)...)
	spans = merge(spans)

	counters := map[string]int{}
	tags := map[string]string{}
	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		counters[s.typ]++
		tag := fmt.Sprintf("[%s#%d]", s.typ, counters[s.typ])
		tags[tag] = text[s.start:s.end]
		b.WriteString(tag)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String(), tags
}

// Unmask substitutes every known tag back with its original value.
func (t *Tagger) Unmask(text string, tags map[string]string) string {
	if len(tags) == 0 {
		return text
	}
	for tag, value := range tags {
		text = strings.ReplaceAll(text, tag, value)
	}
	return text
}

// canonicalize folds the text to uppercase ASCII-ish alphanumerics and
// records, per canonical byte, the byte range of the source rune it came
// from.
func canonicalize(text string) (string, []int, []int) {
	var canon []byte
	var starts, ends []int
	for i, r := range text {
		fc, ok := foldRune(r)
		if !ok {
			continue
		}
		canon = append(canon, fc)
		starts = append(starts, i)
		ends = append(ends, i+utf8.RuneLen(r))
	}
	return string(canon), starts, ends
}

func foldRune(r rune) (byte, bool) {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff':
		return 0, false
	}
	if c, ok := confusables[r]; ok {
		r = c
	}
	switch {
	case r >= '0' && r <= '9':
		return byte(r), true
	case r >= 'A' && r <= 'Z':
		return byte(r), true
	case r >= 'a' && r <= 'z':
		return byte(r - 'a' + 'A'), true
	}
	return 0, false
}

// mapBack translates a canonical match [a,b) to source byte offsets and
// expands it over surrounding separator noise, so "UA21 3223 ..." masks as
// one contiguous span.
func mapBack(starts, ends []int, a, b int, src string) (int, int) {
	i := starts[a]
	j := ends[b-1]
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(src[:i])
		if !strings.ContainsRune(noise, r) {
			break
		}
		i -= size
	}
	for j < len(src) {
		r, size := utf8.DecodeRuneInString(src[j:])
		if !strings.ContainsRune(noise, r) {
			break
		}
		j += size
	}
	return i, j
}

func detectRaw(src string) []span {
	var out []span
	add := func(typ string, locs [][]int) {
		for _, loc := range locs {
			out = append(out, span{loc[0], loc[1], typ, priority[typ]})
		}
	}
	add(TypeEmail, emailRE.FindAllStringIndex(src, -1))
	add(TypeJWT, jwtRE.FindAllStringIndex(src, -1))
	add(TypePrivateKey, pkeyRE.FindAllStringIndex(src, -1))
	for _, loc := range phoneRE.FindAllStringIndex(src, -1) {
		if digitAdjacent(src, loc[0], loc[1]) {
			continue
		}
		out = append(out, span{loc[0], loc[1], TypePhone, priority[TypePhone]})
	}
	for _, ll := range labeledLines {
		add(ll.typ, ll.re.FindAllStringIndex(src, -1))
	}
	for _, loc := range passIDRE.FindAllStringIndex(src, -1) {
		out = append(out, span{loc[0], loc[1], TypePassportID, priority[TypePassportID]})
	}
	for _, loc := range unzrRawRE.FindAllStringIndex(src, -1) {
		if digitAdjacent(src, loc[0], loc[1]) {
			continue
		}
		out = append(out, span{loc[0], loc[1], TypeUNZR, priority[TypeUNZR]})
	}
	for _, loc := range nameRE.FindAllStringIndex(src, -1) {
		if cyrillicAdjacent(src, loc[0], loc[1]) {
			continue
		}
		out = append(out, span{loc[0], loc[1], TypeName, priority[TypeName]})
	}
	return out
}

func detectCanon(src, canon string, starts, ends []int) []span {
	var out []span
	push := func(typ string, a, b int) {
		i, j := mapBack(starts, ends, a, b, src)
		out = append(out, span{i, j, typ, priority[typ]})
	}
	for _, loc := range ibanCanonRE.FindAllStringIndex(canon, -1) {
		if _, err := validator.IBAN(canon[loc[0]:loc[1]]); err == nil {
			push(TypeIBAN, loc[0], loc[1])
		}
	}
	for _, loc := range cardCanonRE.FindAllStringIndex(canon, -1) {
		if luhnOK(canon[loc[0]:loc[1]]) {
			push(TypeCard, loc[0], loc[1])
		}
	}
	for _, loc := range ipnCanonRE.FindAllStringIndex(canon, -1) {
		d := canon[loc[0]:loc[1]]
		i, j := mapBack(starts, ends, loc[0], loc[1], src)
		if _, err := validator.RNOKPP(d); err == nil || ipnContext(src, i, j) {
			out = append(out, span{i, j, TypeIPN, priority[TypeIPN]})
		}
	}
	for _, loc := range unzrCanonRE.FindAllStringIndex(canon, -1) {
		push(TypeUNZR, loc[0], loc[1])
	}
	for _, loc := range bookCanonRE.FindAllStringIndex(canon, -1) {
		if bookBoundaryOK(canon, loc[0], loc[1]) {
			push(TypePassportBook, loc[0], loc[1])
		}
	}
	return out
}

// bookBoundaryOK keeps a passport-book match only when it is not embedded
// in a longer token: canon holds alphanumerics only, so any preceding byte
// means mid-token (URLs and the like), and a trailing digit means the
// number continues.
func bookBoundaryOK(canon string, start, end int) bool {
	if start > 0 {
		return false
	}
	if end < len(canon) && canon[end] >= '0' && canon[end] <= '9' {
		return false
	}
	return true
}

// ipnContext looks for tax-number keywords near the candidate digits.
func ipnContext(src string, i, j int) bool {
	lo, hi := i-30, j+30
	for lo > 0 && !utf8.RuneStart(src[lo]) {
		lo--
	}
	if lo < 0 {
		lo = 0
	}
	if hi > len(src) {
		hi = len(src)
	}
	for hi < len(src) && !utf8.RuneStart(src[hi]) {
		hi++
	}
	near := strings.ToLower(src[lo:hi])
	for _, kw := range []string{"іпн", "рнокпп", "ід.код", "tax id", "inn"} {
		if strings.Contains(near, kw) {
			return true
		}
	}
	return false
}

func luhnOK(digits string) bool {
	sum := 0
	for i := 0; i < len(digits); i++ {
		x := int(digits[len(digits)-1-i] - '0')
		if i%2 == 1 {
			x *= 2
			if x > 9 {
				x -= 9
			}
		}
		sum += x
	}
	return sum%10 == 0
}

func digitAdjacent(src string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(src[:start]); r >= '0' && r <= '9' {
			return true
		}
	}
	if end < len(src) {
		if r, _ := utf8.DecodeRuneInString(src[end:]); r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func cyrillicAdjacent(src string, start, end int) bool {
	isCyr := func(r rune) bool {
		return (r >= 'А' && r <= 'я') || r == 'і' || r == 'І' || r == 'ї' || r == 'Ї' || r == 'є' || r == 'Є' || r == 'ґ' || r == 'Ґ'
	}
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(src[:start]); isCyr(r) {
			return true
		}
	}
	if end < len(src) {
		if r, _ := utf8.DecodeRuneInString(src[end:]); isCyr(r) {
			return true
		}
	}
	return false
}

// merge resolves overlaps with a sweep over span boundaries: within every
// covered segment the highest-priority span wins, and adjacent segments of
// the same type coalesce back into one span.
func merge(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	type event struct {
		pos  int
		open bool
		sp   span
	}
	var events []event
	for _, s := range spans {
		if s.start >= s.end {
			continue
		}
		events = append(events, event{s.start, true, s})
		events = append(events, event{s.end, false, s})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].pos != events[j].pos {
			return events[i].pos < events[j].pos
		}
		return events[i].open && !events[j].open
	})

	var active []span
	var out []span
	lastPos := -1
	for _, ev := range events {
		if lastPos >= 0 && ev.pos > lastPos && len(active) > 0 {
			w := active[0]
			for _, sp := range active[1:] {
				if sp.prio > w.prio || (sp.prio == w.prio && sp.end-sp.start > w.end-w.start) {
					w = sp
				}
			}
			if n := len(out); n > 0 && out[n-1].end == lastPos && out[n-1].typ == w.typ {
				out[n-1].end = ev.pos
			} else {
				out = append(out, span{lastPos, ev.pos, w.typ, w.prio})
			}
		}
		if ev.open {
			active = append(active, ev.sp)
		} else {
			for i, sp := range active {
				if sp == ev.sp {
					active = append(active[:i], active[i+1:]...)
					break
				}
			}
		}
		lastPos = ev.pos
	}
	return out
}
