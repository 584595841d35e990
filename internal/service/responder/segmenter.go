package responder

import (
	"strings"
	"unicode"

	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
)

// DefaultMaxSegmentRunes 是未配置时单个片段的长度上限。
const DefaultMaxSegmentRunes = 200

// Segmenter 把内容增量累积成可合成的片段。
// 在句子边界、长度上限或调用方触发的空闲刷新处截断，片段序号从 1 开始连续递增。
type Segmenter struct {
	turnID   uint64
	maxRunes int

	pending    []rune
	firstChunk int
	lastChunk  int
	seq        int
	committed  strings.Builder
}

// NewSegmenter creates a segmenter for one turn.
func NewSegmenter(turnID uint64, maxRunes int) *Segmenter {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxSegmentRunes
	}
	return &Segmenter{turnID: turnID, maxRunes: maxRunes}
}

// Push appends a content delta from chunk index chunk and returns every segment it completes.
func (s *Segmenter) Push(delta string, chunk int) []agentmodel.Segment {
	if delta == "" {
		return nil
	}
	if len(s.pending) == 0 {
		s.firstChunk = chunk
	}
	s.lastChunk = chunk
	s.pending = append(s.pending, []rune(delta)...)

	var out []agentmodel.Segment
	for {
		if cut := s.boundary(); cut > 0 {
			if seg, ok := s.take(cut, agentmodel.BoundarySentence, true); ok {
				out = append(out, seg)
			}
			continue
		}
		if len(s.pending) > s.maxRunes {
			if seg, ok := s.take(s.capCut(), agentmodel.BoundaryCap, false); ok {
				out = append(out, seg)
			}
			continue
		}
		return out
	}
}

// Flush closes whatever is pending as one segment.
func (s *Segmenter) Flush(boundary agentmodel.Boundary, terminal bool) (agentmodel.Segment, bool) {
	if len(s.pending) == 0 {
		return agentmodel.Segment{}, false
	}
	return s.take(len(s.pending), boundary, terminal)
}

// Discard drops the pending text without emitting it.
func (s *Segmenter) Discard() string {
	dropped := string(s.pending)
	s.pending = s.pending[:0]
	return dropped
}

// Pending returns the number of buffered runes.
func (s *Segmenter) Pending() int {
	return len(s.pending)
}

// Emitted returns how many segments have been produced.
func (s *Segmenter) Emitted() int {
	return s.seq
}

// Committed returns the text of every segment taken so far, with its original spacing.
func (s *Segmenter) Committed() string {
	return strings.TrimSpace(s.committed.String())
}

// boundary 返回第一个句子边界之后的位置，没有时返回 -1。
// 数字之间的 '.' 视为小数点；位于末尾且前面是数字的 '.' 等待下一个增量再判断。
func (s *Segmenter) boundary() int {
	for i, r := range s.pending {
		if !isTerminal(r) {
			continue
		}
		if r == '.' && i > 0 && unicode.IsDigit(s.pending[i-1]) {
			if i+1 == len(s.pending) {
				return -1
			}
			if unicode.IsDigit(s.pending[i+1]) {
				continue
			}
		}

		j := i + 1
		for j < len(s.pending) && (isTerminal(s.pending[j]) || isCloser(s.pending[j])) {
			j++
		}
		return j
	}
	return -1
}

// capCut 在上限范围内最后一个空白处截断，找不到时硬截断。
func (s *Segmenter) capCut() int {
	for i := s.maxRunes - 1; i > 0; i-- {
		if unicode.IsSpace(s.pending[i]) {
			return i + 1
		}
	}
	return s.maxRunes
}

func (s *Segmenter) take(cut int, boundary agentmodel.Boundary, terminal bool) (agentmodel.Segment, bool) {
	raw := string(s.pending[:cut])
	s.pending = append(s.pending[:0], s.pending[cut:]...)

	s.committed.WriteString(raw)

	first, last := s.firstChunk, s.lastChunk
	s.firstChunk = s.lastChunk

	text := strings.TrimSpace(raw)
	if !speakable(text) {
		return agentmodel.Segment{}, false
	}

	s.seq++
	return agentmodel.Segment{
		Seq:        s.seq,
		TurnID:     s.turnID,
		Text:       text,
		Terminal:   terminal,
		Boundary:   boundary,
		FirstChunk: first,
		LastChunk:  last,
	}, true
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', ';', '；', '\n':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '」', '』', '）':
		return true
	}
	return false
}

func speakable(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
