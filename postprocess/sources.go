package postprocess

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// RelevanceThreshold 是归因所需的关键词重合度，必须严格大于该值。
	RelevanceThreshold = 0.3
	maxKeywords        = 20
	minKeywordRunes    = 5
	excerptRunes       = 200
)

// Chunk 是参与归因的检索片段。
type Chunk struct {
	Source string
	Text   string
	Score  float64
}

// Source 是回复看起来引用了的知识文件。归因基于词汇重合，因此都标记为 Approximate。
type Source struct {
	File        string  `json:"file"`
	Relevance   float64 `json:"relevance"`
	Similarity  float64 `json:"similarity"`
	Excerpt     string  `json:"excerpt"`
	Approximate bool    `json:"approximate"`
}

// AttributeSources 按片段顺序归因，每个文件最多一次。
func AttributeSources(response string, chunks []Chunk) []Source {
	responseWords := keywords(response)
	if len(responseWords) == 0 {
		return nil
	}
	inResponse := make(map[string]struct{}, len(responseWords))
	for _, w := range responseWords {
		inResponse[w] = struct{}{}
	}

	var sources []Source
	attributed := map[string]bool{}
	for _, ch := range chunks {
		if attributed[ch.Source] {
			continue
		}
		chunkWords := keywords(ch.Text)
		if len(chunkWords) == 0 {
			continue
		}
		overlap := 0
		for _, w := range chunkWords {
			if _, ok := inResponse[w]; ok {
				overlap++
			}
		}
		relevance := float64(overlap) / float64(len(chunkWords))
		if relevance <= RelevanceThreshold {
			continue
		}
		attributed[ch.Source] = true
		sources = append(sources, Source{
			File:        ch.Source,
			Relevance:   relevance,
			Similarity:  ch.Score,
			Excerpt:     excerpt(ch.Text),
			Approximate: true,
		})
	}
	return sources
}

// keywords 返回前若干个长度超过四个字符的不重复小写单词。
func keywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	out := make([]string, 0, maxKeywords)
	for _, w := range words {
		if utf8.RuneCountInString(w) < minKeywordRunes || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	return string([]rune(text)[:excerptRunes]) + "…"
}
