package flow

import (
	"strings"
	"unicode"

	"dealflow/deal"
	"dealflow/stage"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SignalThreshold is the confidence at which a message counts as "this step is done".
const SignalThreshold = 0.5

// Signal reports whether free text reads as a completion claim. A signal only
// ever triggers a completeness re-check.
type Signal struct {
	Signaled   bool
	Confidence float64
	Cue        string
}

type cue struct {
	tokens []string
	weight float64
}

var baseCues = []cue{
	{[]string{"all", "done"}, 0.95},
	{[]string{"done"}, 0.9},
	{[]string{"finished"}, 0.9},
	{[]string{"completed"}, 0.9},
	{[]string{"complete"}, 0.85},
	{[]string{"that's", "all"}, 0.85},
	{[]string{"that", "is", "all"}, 0.85},
	{[]string{"all", "set"}, 0.85},
	{[]string{"good", "to", "go"}, 0.85},
	{[]string{"go", "ahead"}, 0.8},
	{[]string{"move", "on"}, 0.8},
	{[]string{"wrapped", "up"}, 0.8},
	{[]string{"submitted"}, 0.8},
	{[]string{"ready"}, 0.75},
	{[]string{"finish"}, 0.7},
	{[]string{"proceed"}, 0.7},
	{[]string{"continue"}, 0.6},
	{[]string{"check", "it"}, 0.6},
	{[]string{"next"}, 0.55},
}

var stageCues = map[stage.Stage][]cue{
	stage.DocumentsPending: {
		{[]string{"uploaded"}, 0.85},
		{[]string{"attached"}, 0.8},
		{[]string{"sent"}, 0.6},
	},
	stage.Passed80Rule: {
		{[]string{"confirm"}, 0.8},
		{[]string{"confirmed"}, 0.85},
		{[]string{"sign"}, 0.7},
		{[]string{"yes"}, 0.6},
	},
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "nope": true, "cannot": true,
	"isn't": true, "aren't": true, "haven't": true, "hasn't": true, "didn't": true,
	"don't": true, "can't": true, "wasn't": true, "won't": true, "nothing": true,
}

const (
	negationWindow  = 3
	fuzzyMinLength  = 6
	fuzzyPenalty    = 0.85
	questionPenalty = 0.3
	completeBonus   = 0.05
)

// DetectCompletionSignal scores text for an "I believe this step is done" claim.
// Matching tolerates case, accents, punctuation and a single typo in longer
// words; a negation shortly before the cue, or "not yet" anywhere, cancels it.
func DetectCompletionSignal(text string, c deal.Case) Signal {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return Signal{}
	}
	if containsSeq(tokens, []string{"not", "yet"}) {
		return Signal{}
	}

	cues := append(append([]cue{}, baseCues...), stageCues[c.Stage]...)

	var best Signal
	for _, cu := range cues {
		for i := 0; i+len(cu.tokens) <= len(tokens); i++ {
			exact, ok := matchAt(tokens, i, cu.tokens)
			if !ok || negatedBefore(tokens, i) {
				continue
			}
			score := cu.weight
			if !exact {
				score *= fuzzyPenalty
			}
			if score > best.Confidence {
				best = Signal{Confidence: score, Cue: strings.Join(cu.tokens, " ")}
			}
		}
	}
	if best.Confidence == 0 {
		return Signal{}
	}

	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		best.Confidence -= questionPenalty
	}
	if ValidateCompleteness(c).IsComplete {
		best.Confidence += completeBonus
	}
	best.Confidence = clamp(best.Confidence)
	best.Signaled = best.Confidence >= SignalThreshold
	return best
}

func matchAt(tokens []string, at int, want []string) (exact bool, ok bool) {
	exact = true
	for j, w := range want {
		got := tokens[at+j]
		if got == w {
			continue
		}
		if len(w) >= fuzzyMinLength && editDistance(got, w) <= 1 {
			exact = false
			continue
		}
		return false, false
	}
	return exact, true
}

func negatedBefore(tokens []string, at int) bool {
	start := at - negationWindow
	if start < 0 {
		start = 0
	}
	for _, tok := range tokens[start:at] {
		if negations[tok] {
			return true
		}
	}
	return false
}

func containsSeq(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		if _, ok := matchAt(tokens, i, seq); ok {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	folded := normalizeText(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// normalizeText folds case and strips combining marks so "DONE" and "dóne"
// compare equal to "done". Transformers carry state, so one is built per call.
func normalizeText(text string) string {
	text = strings.NewReplacer("’", "'", "‘", "'").Replace(text)
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(stripMarks, text)
	if err != nil {
		out = text
	}
	return cases.Fold().String(out)
}

// editDistance is the optimal string alignment distance, so a swapped pair of
// letters ("finsihed") costs one edit.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if abs(len(ra)-len(rb)) > 1 {
		return 2
	}
	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(rb)]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
