package knowledge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Chunk 是切分后的一个文本片段。Text[OverlapRunes:]（按 rune 计）是本片段新增的内容，
// 前面部分是上一个片段末尾的重叠词。
type Chunk struct {
	Ordinal      int
	Text         string
	OverlapRunes int
}

// Fresh 返回片段中不与上一片段重复的部分。
func (c Chunk) Fresh() string {
	runes := []rune(c.Text)
	if c.OverlapRunes >= len(runes) {
		return ""
	}
	return string(runes[c.OverlapRunes:])
}

// Chunker 按句子切分文本，每个片段最多 Size 个字符。
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split 的结果是确定的，超过 Size 的单个句子单独成为一个片段。
func (c Chunker) Split(text string) []Chunk {
	if c.Size <= 0 {
		c = NewChunker(c.Size, c.Overlap)
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []Chunk
		current string
		curLen  int
		seedLen int
		fresh   int
	)
	emit := func() {
		chunks = append(chunks, Chunk{Ordinal: len(chunks), Text: current, OverlapRunes: seedLen})
	}

	for _, sentence := range sentences {
		sentLen := utf8.RuneCountInString(sentence)
		if fresh > 0 && curLen+1+sentLen > c.Size {
			emit()
			budget := c.Overlap
			if room := c.Size - sentLen - 1; room < budget {
				budget = room
			}
			seed := tailWords(current, budget)
			if seed != "" {
				current = seed + " " + sentence
				seedLen = utf8.RuneCountInString(seed) + 1
			} else {
				current = sentence
				seedLen = 0
			}
			curLen = utf8.RuneCountInString(current)
			fresh = 1
			continue
		}
		if current == "" {
			current = sentence
			curLen = sentLen
		} else {
			current += " " + sentence
			curLen += 1 + sentLen
		}
		fresh++
	}
	if fresh > 0 {
		emit()
	}
	return chunks
}

// splitSentences 在后跟空白或位于结尾的句末标点处断句，中文句末标点总是断句。
// 句内空白压缩为单个空格。
func splitSentences(text string) []string {
	runes := []rune(text)
	var (
		out   []string
		start int
	)
	flush := func(end int) {
		sentence := strings.Join(strings.Fields(string(runes[start:end])), " ")
		if sentence != "" {
			out = append(out, sentence)
		}
		start = end
	}
	for i, r := range runes {
		switch r {
		case '。', '！', '？':
			flush(i + 1)
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	flush(len(runes))
	return out
}

// tailWords 返回末尾连续单词中拼接后不超过 limit 个字符的最长部分。
func tailWords(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	words := strings.Fields(text)
	length := 0
	first := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		add := utf8.RuneCountInString(words[i])
		if first < len(words) {
			add++
		}
		if length+add > limit {
			break
		}
		length += add
		first = i
	}
	return strings.Join(words[first:], " ")
}
