// Package classifier maps an utterance to a ParsedIntent using a ranked,
// declarative rule table. It keeps no state between calls.
package classifier

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/textnorm"
	"nlcqe-workers/internal/models"
)

const (
	DefaultMinConfidence = 0.3
	maxConfidence        = 0.95
)

// EntityMatcher resolves wildcard rules. *catalog.Schema implements it.
type EntityMatcher interface {
	Match(normalized string) (catalog.Entity, bool)
}

type extractor struct {
	Extractor
	re *regexp.Regexp
}

type compiledRule struct {
	Rule
	patterns   []*regexp.Regexp
	extractors []extractor
}

type Classifier struct {
	rules         []compiledRule
	minConfidence float64
	matcher       EntityMatcher
}

type Option func(*Classifier)

func WithMinConfidence(v float64) Option {
	return func(c *Classifier) { c.minConfidence = v }
}

func WithEntityMatcher(m EntityMatcher) Option {
	return func(c *Classifier) { c.matcher = m }
}

// New compiles set. Rules are stable-sorted by descending priority, so among
// rules of equal priority the one declared first is tried first.
func New(set *RuleSet, opts ...Option) (*Classifier, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}

	c := &Classifier{minConfidence: DefaultMinConfidence}
	for _, opt := range opts {
		opt(c)
	}

	for _, r := range set.Rules {
		cr := compiledRule{Rule: r}
		for _, p := range r.Patterns {
			cr.patterns = append(cr.patterns, regexp.MustCompile(p))
		}
		for _, ex := range r.Extractors {
			cr.extractors = append(cr.extractors, extractor{Extractor: ex, re: regexp.MustCompile(ex.Pattern)})
		}
		c.rules = append(c.rules, cr)
	}
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Priority > c.rules[j].Priority
	})
	return c, nil
}

// Using returns a copy of c that resolves wildcard rules with m.
func (c *Classifier) Using(m EntityMatcher) *Classifier {
	cp := *c
	cp.matcher = m
	return &cp
}

// Rules returns the rules in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}

// Confidence is 0.5 plus the matched share of the utterance weighted 0.3 plus
// priority/100, capped at 0.95 and kept within [0,1].
func Confidence(matchedRunes, totalRunes, priority int) float64 {
	if totalRunes <= 0 || matchedRunes <= 0 {
		return 0
	}
	c := 0.5 + float64(matchedRunes)/float64(totalRunes)*0.3 + float64(priority)/100
	return math.Max(0, math.Min(c, maxConfidence))
}

func (c *Classifier) Classify(text string) models.ParsedIntent {
	intent, _ := c.Match(text)
	return intent
}

// Match is Classify that also returns the winning rule, nil when the intent
// is unknown and no reply rule fired.
func (c *Classifier) Match(text string) (models.ParsedIntent, *Rule) {
	intent := models.ParsedIntent{
		Action:       models.ActionUnknown,
		OriginalText: text,
		Source:       models.SourceLocal,
	}

	t := textnorm.Normalize(text)
	n := t.Normalized
	if n == "" {
		return intent, nil
	}
	total := utf8.RuneCountInString(n)

	var (
		best     *compiledRule
		bestRe   *regexp.Regexp
		bestLoc  []int
		bestConf = -1.0
	)
	for i := range c.rules {
		r := &c.rules[i]
		for _, re := range r.patterns {
			loc := re.FindStringSubmatchIndex(n)
			if loc == nil || loc[1] == loc[0] {
				continue
			}
			conf := Confidence(utf8.RuneCountInString(n[loc[0]:loc[1]]), total, r.Priority)
			if conf > bestConf {
				best, bestRe, bestLoc, bestConf = r, re, loc, conf
			}
		}
	}
	if best == nil {
		return intent, nil
	}

	intent.Confidence = bestConf
	if bestConf < c.minConfidence {
		return intent, nil
	}

	entity := best.Entity
	if entity == WildcardEntity {
		if c.matcher == nil {
			return intent, nil
		}
		e, ok := c.matcher.Match(n)
		if !ok {
			return intent, nil
		}
		entity = e.Name
	}

	intent.Action = best.Action
	intent.Entity = entity
	intent.RuleID = best.ID
	intent.Params = extract(t, best, bestRe, bestLoc)
	if best.Reply != "" {
		intent.Params[models.ParamReply] = best.Reply
	}
	rule := best.Rule
	return intent, &rule
}

var (
	genericNumber   = regexp.MustCompile(`\d+(?:,\d{3})*(?:\.\d+)?`)
	genericTo       = regexp.MustCompile(`(?:^|\s)(?:ل|to|for)\s+(\S+(?:\s+\S+)?)`)
	genericAttached = regexp.MustCompile(`(?:^|\s)ل(\S+(?:\s+\S+)?)`)
	genericQuoted   = regexp.MustCompile(`["“«]([^"”»]+)["”»]`)
)

// extract fills params from, in order, named groups of the winning pattern,
// the rule's extractors and the generic fallbacks. Earlier sources win; the
// rule's static params are applied last and always win.
func extract(t textnorm.Text, r *compiledRule, re *regexp.Regexp, loc []int) map[string]interface{} {
	n := t.Normalized
	params := make(map[string]interface{})

	for i, name := range re.SubexpNames() {
		if name == "" || loc[2*i] < 0 {
			continue
		}
		if v, ok := value(t, loc[2*i], loc[2*i+1], Extractor{}); ok {
			params[name] = v
		}
	}

	for _, ex := range r.extractors {
		if _, done := params[ex.Param]; done {
			continue
		}
		m := ex.re.FindStringSubmatchIndex(n)
		if m == nil {
			continue
		}
		start, end := m[0], m[1]
		if len(m) >= 4 && m[2] >= 0 {
			start, end = m[2], m[3]
		}
		if v, ok := value(t, start, end, ex.Extractor); ok {
			params[ex.Param] = v
		}
	}

	_, hasAmount := params[models.ParamAmount]
	_, hasNumber := params[models.ParamNumber]
	if !hasAmount && !hasNumber {
		if m := genericNumber.FindStringIndex(n); m != nil {
			if v, ok := value(t, m[0], m[1], Extractor{Type: "number"}); ok {
				params[models.ParamNumber] = v
			}
		}
	}

	if _, ok := params[models.ParamEmployeeName]; !ok {
		if v, ok := recipient(t); ok {
			params[models.ParamEmployeeName] = v
		}
	}

	if _, ok := params[models.ParamTitle]; !ok {
		if m := genericQuoted.FindStringSubmatchIndex(n); m != nil {
			if v, ok := value(t, m[2], m[3], Extractor{}); ok {
				params[models.ParamTitle] = v
			}
		}
	}

	for k, v := range r.Params {
		params[k] = v
	}
	return params
}

// recipient finds the name after a "to/for" preposition, detached or
// attached ("لـ أحمد", "لأحمد", "لليلى").
func recipient(t textnorm.Text) (interface{}, bool) {
	n := t.Normalized
	var m []int
	if found := genericTo.FindStringSubmatchIndex(n); found != nil {
		m = found
	}
	for _, found := range genericAttached.FindAllStringSubmatchIndex(n, -1) {
		if m != nil && found[2] >= m[2] {
			break
		}
		if attachedName(n[found[2]:found[3]]) {
			m = found
			break
		}
	}
	if m == nil {
		return nil, false
	}
	return value(t, m[2], m[3], Extractor{Name: true})
}

// attachedName reports whether the word glued to a leading ل is a name and
// not the article: "الـ" never starts a name, and "لل" followed by a stop
// word is "to the ...".
func attachedName(s string) bool {
	word := s
	if i := strings.IndexByte(s, ' '); i >= 0 {
		word = s[:i]
	}
	word = strings.Trim(word, trimChars)
	switch {
	case utf8.RuneCountInString(word) < 2:
		return false
	case strings.HasPrefix(word, "ال"):
		return false
	case strings.HasPrefix(word, "ل") && stopWords["ال"+strings.TrimPrefix(word, "ل")]:
		return false
	case strings.HasPrefix(word, "ل") && stopWords[strings.TrimPrefix(word, "ل")]:
		return false
	}
	return !stopWords[word]
}

const trimChars = "\"'“”«»،,.؟?!:"

// value maps a normalized span back to the original spelling.
func value(t textnorm.Text, start, end int, ex Extractor) (interface{}, bool) {
	if ex.Type == "number" {
		raw := strings.ReplaceAll(t.Normalized[start:end], ",", "")
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, false
		}
		return f, true
	}

	if ex.Name {
		var ok bool
		if start, end, ok = nameSpan(t.Normalized, start, end); !ok {
			return nil, false
		}
	}

	s := strings.Trim(strings.TrimSpace(t.Slice(start, end)), trimChars)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return s, true
}

// stopWords never start or continue a person name.
var stopWords = map[string]bool{
	"في": true, "فى": true, "من": true, "الي": true, "عن": true, "مع": true, "و": true, "ل": true,
	"قسم": true, "فرع": true, "براتب": true, "بمسمي": true, "راتب": true, "بعنوان": true,
	"كل": true, "الكل": true, "جميع": true, "الجميع": true,
	"موظف": true, "موظفين": true, "الموظف": true, "الموظفين": true,
	"اجازه": true, "الاجازه": true, "اجازات": true, "الاجازات": true, "طلب": true, "الطلب": true,
	"اليوم": true, "امس": true, "الشهر": true, "هذا": true, "هذه": true,
	"نشط": true, "اكثر": true, "اقل": true, "مهمه": true, "هدف": true, "مكافاه": true,
	"the": true, "all": true, "to": true, "for": true, "with": true,
}

// nameSpan keeps the leading words of n[start:end] up to the first stop word
// or number.
func nameSpan(n string, start, end int) (int, int, bool) {
	cut := start
	i := start
	for i < end {
		for i < end && n[i] == ' ' {
			i++
		}
		j := i
		for j < end && n[j] != ' ' {
			j++
		}
		if i == j {
			break
		}
		word := strings.Trim(n[i:j], trimChars)
		if word == "" || stopWords[word] || isNumber(word) {
			break
		}
		cut = j
		i = j
	}
	if cut == start {
		return 0, 0, false
	}
	return start, cut, true
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return true
}
