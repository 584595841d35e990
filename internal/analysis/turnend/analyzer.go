package turnend

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Decision 表示一段转写文本是否已构成完整的一轮发言。
type Decision struct {
	// Probability 是本轮已经说完的概率，取值 0~1。
	Probability float32
	Reason      string
}

// Complete reports whether the probability reaches threshold.
func (d Decision) Complete(threshold float32) bool {
	return d.Probability >= threshold
}

var terminalMarks = map[rune]float32{
	'.': 0.9,
	'?': 0.95,
	'!': 0.9,
	'。': 0.9,
	'？': 0.95,
	'！': 0.9,
}

var continuationMarks = map[rune]bool{
	',': true, '，': true, '、': true, ':': true, '：': true, '-': true,
}

// trailingWords 结尾出现这些词时用户大概率还没说完。
var trailingWords = map[string][]string{
	"en": {
		"and", "but", "or", "so", "because", "if", "then", "the", "a", "an", "to", "of",
		"with", "um", "uh", "er", "like", "my", "your", "is", "are", "was", "for", "that",
	},
	"zh": {
		"然后", "但是", "所以", "因为", "还有", "而且", "就是", "那个", "这个", "嗯", "呃", "如果", "和",
	},
}

var questionOpeners = []string{
	"what", "how", "why", "when", "where", "who", "which", "can you", "could you", "do you", "is it",
}

// Analyze 根据标点、结尾词与长度估计 text 是否已说完。
func Analyze(text string) Decision {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Decision{Probability: 0, Reason: "empty"}
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if p, ok := terminalMarks[last]; ok {
		// "Dr." 这类缩写后面通常还有内容。
		if last == '.' && endsWithAbbreviation(trimmed) {
			return Decision{Probability: 0.4, Reason: "abbreviation"}
		}
		return Decision{Probability: p, Reason: "terminal punctuation"}
	}
	if continuationMarks[last] {
		return Decision{Probability: 0.15, Reason: "continuation punctuation"}
	}

	lower := strings.ToLower(trimmed)
	if word := lastWord(lower); word != "" {
		for _, w := range trailingWords["en"] {
			if word == w {
				return Decision{Probability: 0.2, Reason: "trailing connective"}
			}
		}
	}
	for _, w := range trailingWords["zh"] {
		if strings.HasSuffix(lower, w) {
			return Decision{Probability: 0.2, Reason: "trailing connective"}
		}
	}

	words := countWords(trimmed)
	p := 0.45 + 0.05*float32(min(words, 5))
	for _, opener := range questionOpeners {
		if strings.HasPrefix(lower, opener+" ") && words >= 3 {
			p += 0.1
			break
		}
	}
	if p > 0.8 {
		p = 0.8
	}
	return Decision{Probability: p, Reason: "length"}
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

var abbreviations = []string{"mr.", "mrs.", "ms.", "dr.", "st.", "vs.", "e.g.", "i.e."}

func endsWithAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, " "+abbr) || lower == abbr {
			return true
		}
	}
	return false
}

// countWords 对拉丁文本按空格计词，CJK 字符每两个算一个词。
func countWords(text string) int {
	words := 0
	cjk := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			cjk++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				words++
				inWord = true
			}
		default:
			inWord = false
		}
	}
	return words + (cjk+1)/2
}
