package impl

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const followUpCount = 3

var (
	capitalizedPhraseRegex = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
	derivationalTermRegex  = regexp.MustCompile(`\b[a-z]+(?:tion|ment|ity|ness|ing)\b`)
	markdownHeadingRegex   = regexp.MustCompile(`^#{1,6}\s*(.+)$`)
	colonHeadingRegex      = regexp.MustCompile(`^[A-Z][^.!?]*:$`)
)

// Pronouns and question words that surface as capitalized matches but
// make useless topics.
var topicSkipWords = map[string]struct{}{
	"The": {}, "This": {}, "That": {}, "These": {}, "Those": {},
	"What": {}, "When": {}, "Where": {}, "How": {}, "Why": {},
}

var genericSuggestions = []string{
	"What are the main topics in this document?",
	"Summarize the key points of this document",
	"What conclusions or recommendations are made?",
}

type suggestionGenerator struct{}

// NewSuggestionGenerator creates the deterministic follow-up generator.
// It templates topics mined from the answer and context, so it needs no
// model call and gives the same output for the same input.
func NewSuggestionGenerator() services.SuggestionGenerator {
	return &suggestionGenerator{}
}

// Suggest returns exactly three follow-up questions. Topics already
// present in the question are skipped; generic exploration prompts pad
// the list when the context yields fewer than three fresh topics.
func (g *suggestionGenerator) Suggest(question string, answer string, context []models.RetrievedChunk) []string {
	var parts []string
	parts = append(parts, answer)
	for _, chunk := range context {
		parts = append(parts, chunk.Content)
	}
	topics := extractTopics(strings.Join(parts, " "))

	questionLower := strings.ToLower(question)
	var fresh []string
	for _, topic := range topics {
		if !strings.Contains(questionLower, strings.ToLower(topic)) {
			fresh = append(fresh, topic)
		}
	}

	suggestions := make([]string, 0, followUpCount)
	for _, topic := range fresh {
		if len(suggestions) >= followUpCount {
			break
		}
		switch len(suggestions) % followUpCount {
		case 0:
			suggestions = append(suggestions, fmt.Sprintf("What about %s?", topic))
		case 1:
			suggestions = append(suggestions, fmt.Sprintf("How does %s relate to %s?", topic, relatedTopic(topics, topic)))
		default:
			suggestions = append(suggestions, fmt.Sprintf("Can you explain more about %s?", topic))
		}
	}

	for _, generic := range genericSuggestions {
		if len(suggestions) >= followUpCount {
			break
		}
		suggestions = append(suggestions, generic)
	}
	return suggestions[:followUpCount]
}

// InitialSuggestions returns starter questions for a new document:
// generic exploration prompts plus one per section heading found in the
// extracted pages, capped at five.
func (g *suggestionGenerator) InitialSuggestions(pages []services.Page) []string {
	suggestions := make([]string, 0, 5)
	suggestions = append(suggestions, genericSuggestions...)

	for _, topic := range headingTopics(pages, 3) {
		if len(suggestions) >= 5 {
			break
		}
		suggestions = append(suggestions, fmt.Sprintf("Explain the section about %s", topic))
	}
	return suggestions
}

// relatedTopic picks a partner topic for comparison templates, walking
// from the tail so the pairing differs from the lead topic when any
// other topic exists.
func relatedTopic(topics []string, topic string) string {
	for i := len(topics) - 1; i >= 0; i-- {
		if topics[i] != topic {
			return topics[i]
		}
	}
	return topic
}

// extractTopics mines candidate topics from text: capitalized phrases
// and words with derivational suffixes, ranked by frequency with ties
// broken by first appearance. Returns at most ten topics after
// dropping skip words and short terms.
func extractTopics(text string) []string {
	var terms []string
	terms = append(terms, capitalizedPhraseRegex.FindAllString(text, -1)...)
	for _, term := range derivationalTermRegex.FindAllString(strings.ToLower(text), -1) {
		terms = append(terms, titleWord(term))
	}

	type termCount struct {
		term  string
		count int
		first int
	}
	byTerm := make(map[string]*termCount)
	var ranked []*termCount
	for i, term := range terms {
		if tc, ok := byTerm[term]; ok {
			tc.count++
			continue
		}
		tc := &termCount{term: term, count: 1, first: i}
		byTerm[term] = tc
		ranked = append(ranked, tc)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].first < ranked[j].first
	})

	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	var topics []string
	for _, tc := range ranked {
		if _, skip := topicSkipWords[tc.term]; skip || len(tc.term) <= 3 {
			continue
		}
		topics = append(topics, tc.term)
	}
	return topics
}

// headingTopics scans page lines for markdown headings and short
// colon-terminated title lines, in document order, deduplicated.
func headingTopics(pages []services.Page, limit int) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, page := range pages {
		for _, line := range strings.Split(page.Text, "\n") {
			line = strings.TrimSpace(line)
			var heading string
			if m := markdownHeadingRegex.FindStringSubmatch(line); m != nil {
				heading = m[1]
			} else if colonHeadingRegex.MatchString(line) {
				heading = strings.TrimSuffix(line, ":")
			} else {
				continue
			}

			heading = strings.TrimSpace(heading)
			if len(heading) <= 3 || len(heading) >= 50 {
				continue
			}
			if _, dup := seen[heading]; dup {
				continue
			}
			seen[heading] = struct{}{}
			topics = append(topics, heading)
			if len(topics) >= limit {
				return topics
			}
		}
	}
	return topics
}

func titleWord(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}
