// Package entity pulls recipients, clock times and search keywords out of a
// command. Extraction is a pure function of the text and the reference time.
package entity

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// AddressPattern matches an email address.
var AddressPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Time is a resolved clock expression and the text it was read from.
type Time struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Set is everything extracted from one command.
type Set struct {
	Recipients []string `json:"recipients"`
	Times      []Time   `json:"times"`
	Keywords   string   `json:"keywords"`
}

// When returns the first resolved time, which governs scheduling, or nil.
func (s Set) When() *time.Time {
	if len(s.Times) == 0 {
		return nil
	}
	t := s.Times[0].At
	return &t
}

// Extractor reads entities from command text.
type Extractor interface {
	Extract(text string, now time.Time) Set
}

// RuleExtractor is a pattern-based Extractor.
type RuleExtractor struct{}

var _ Extractor = RuleExtractor{}

// Particles that may trail an address, longest first.
var particles = []string{"에게", "한테", "으로", "께", "로"}

// Korean verb stems take endings and particles ("보내줘", "요약해서",
// "메일을"), so they match as token prefixes.
var koreanStems = []string{"보내", "메일", "요약", "정리", "검색", "찾"}

// English action verbs match only as whole words so that "findings" or
// "mailbox" survive as keywords.
var englishVerbs = map[string]bool{
	"send": true, "sends": true, "sending": true, "sent": true,
	"email": true, "emails": true, "emailed": true, "emailing": true,
	"e-mail": true, "mail": true, "mailed": true,
	"summarize": true, "summarizes": true, "summarized": true, "summarizing": true,
	"summarise": true, "summarises": true, "summarised": true, "summarising": true,
	"summary": true,
	"search": true, "searches": true, "searched": true, "searching": true,
	"find": true, "finds": true,
}

var connectors = map[string]bool{
	"to": true, "at": true, "and": true, "then": true, "please": true, "me": true,
}

var lookUp = regexp.MustCompile(`(?i)\blook\s+up\b`)

var (
	koreanClock   = regexp.MustCompile(`(?:(오전|오후)\s*)?\b(\d{1,2})\s*시(?:\s*(\d{1,2})\s*분|\s*(반))?(?:에)?`)
	meridiemClock = regexp.MustCompile(`(?i)\b(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(a\.m\.|p\.m\.|am\b|pm\b)`)
	dayClock      = regexp.MustCompile(`(?i)\b(?:at\s+)?(\d{1,2}):(\d{2})\b`)
)

type span struct {
	start, end int
}

type clockMatch struct {
	span
	hour, minute int
}

// Extract never fails. Unrecognized input yields empty fields.
func (RuleExtractor) Extract(text string, now time.Time) Set {
	var set Set
	var drop []span

	seen := map[string]bool{}
	for _, loc := range AddressPattern.FindAllStringIndex(text, -1) {
		addr := text[loc[0]:loc[1]]
		end := loc[1] + particleLen(text[loc[1]:])
		drop = append(drop, span{loc[0], end})

		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		set.Recipients = append(set.Recipients, addr)
	}

	for _, m := range findClocks(text, drop) {
		set.Times = append(set.Times, Time{
			At:   resolve(now, m.hour, m.minute),
			Text: strings.TrimSpace(text[m.start:m.end]),
		})
		drop = append(drop, m.span)
	}

	set.Keywords = keywords(text, drop)
	return set
}

// findClocks returns valid clock expressions outside taken, in order of
// appearance. Where two expressions overlap the earlier, longer one wins.
func findClocks(text string, taken []span) []clockMatch {
	var all []clockMatch
	for _, sm := range koreanClock.FindAllStringSubmatchIndex(text, -1) {
		h, _ := strconv.Atoi(text[sm[4]:sm[5]])
		m := 0
		if sm[6] >= 0 {
			m, _ = strconv.Atoi(text[sm[6]:sm[7]])
		} else if sm[8] >= 0 {
			m = 30
		}
		meridiem := ""
		if sm[2] >= 0 {
			meridiem = text[sm[2]:sm[3]]
		}
		if koreanDuration(text, sm[5]) {
			continue
		}
		hour, ok := koreanHour(meridiem, h)
		if !ok || m > 59 {
			continue
		}
		all = append(all, clockMatch{span{sm[0], sm[1]}, hour, m})
	}

	for _, sm := range meridiemClock.FindAllStringSubmatchIndex(text, -1) {
		h, _ := strconv.Atoi(text[sm[2]:sm[3]])
		m := 0
		if sm[4] >= 0 {
			m, _ = strconv.Atoi(text[sm[4]:sm[5]])
		}
		if h < 1 || h > 12 || m > 59 {
			continue
		}
		hour := h % 12
		if strings.HasPrefix(strings.ToLower(text[sm[6]:sm[7]]), "p") {
			hour += 12
		}
		all = append(all, clockMatch{span{sm[0], sm[1]}, hour, m})
	}

	for _, sm := range dayClock.FindAllStringSubmatchIndex(text, -1) {
		h, _ := strconv.Atoi(text[sm[2]:sm[3]])
		m, _ := strconv.Atoi(text[sm[4]:sm[5]])
		if h > 23 || m > 59 {
			continue
		}
		all = append(all, clockMatch{span{sm[0], sm[1]}, h, m})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})

	var out []clockMatch
	for _, m := range all {
		if overlaps(m.span, taken) {
			continue
		}
		out = append(out, m)
		taken = append(taken, m.span)
	}
	return out
}

// koreanDuration reports whether the 시 after the hour digits ending at
// digitsEnd begins 시간 ("hours"), a relative duration rather than a clock.
func koreanDuration(text string, digitsEnd int) bool {
	rest := strings.TrimLeft(text[digitsEnd:], " \t")
	rest = strings.TrimPrefix(rest, "시")
	return strings.HasPrefix(rest, "간")
}

// particleLen returns the byte length of a particle trailing an address,
// optionally after spaces, or 0. The particle must end the word so that
// "로그" is not read as "로".
func particleLen(after string) int {
	rest := strings.TrimLeft(after, " ")
	skipped := len(after) - len(rest)
	for _, p := range particles {
		if !strings.HasPrefix(rest, p) {
			continue
		}
		next, _ := utf8.DecodeRuneInString(rest[len(p):])
		if next == utf8.RuneError || !unicode.IsLetter(next) {
			return skipped + len(p)
		}
	}
	return 0
}

// koreanHour converts H시 with an optional 오전/오후 marker to 0..23.
func koreanHour(meridiem string, h int) (int, bool) {
	switch meridiem {
	case "오전":
		if h < 1 || h > 12 {
			return 0, false
		}
		return h % 12, true
	case "오후":
		if h < 1 || h > 12 {
			return 0, false
		}
		if h == 12 {
			return 12, true
		}
		return h + 12, true
	default:
		if h > 23 {
			return 0, false
		}
		return h, true
	}
}

// resolve places hour:minute on now's calendar day in now's location, or the
// next day when that instant is not strictly after now.
func resolve(now time.Time, hour, minute int) time.Time {
	y, mo, d := now.Date()
	t := time.Date(y, mo, d, hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = time.Date(y, mo, d+1, hour, minute, 0, 0, now.Location())
	}
	return t
}

func overlaps(s span, spans []span) bool {
	for _, o := range spans {
		if s.start < o.end && o.start < s.end {
			return true
		}
	}
	return false
}

func keywords(text string, drop []span) string {
	b := []byte(text)
	for _, s := range drop {
		for i := s.start; i < s.end; i++ {
			b[i] = ' '
		}
	}
	rest := lookUp.ReplaceAllString(string(b), " ")

	var kept []string
	for _, tok := range strings.Fields(rest) {
		lower := strings.ToLower(tok)
		if connectors[lower] || isActionVerb(lower) {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

func isActionVerb(tok string) bool {
	if englishVerbs[strings.TrimFunc(tok, unicode.IsPunct)] {
		return true
	}
	for _, stem := range koreanStems {
		if strings.HasPrefix(tok, stem) {
			return true
		}
	}
	return false
}
