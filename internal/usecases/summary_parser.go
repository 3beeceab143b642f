package usecases

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"project_chatdigest/internal/entities"
)

// ErrNoJSONFound is returned when a response holds no JSON object.
var ErrNoJSONFound = errors.New("no valid JSON object found in response")

const fallbackTopicCount = 5

// Defaults applied when the provider omits an analysis field or answers in free text.
const (
	defaultSentiment = "neutral"
	defaultUrgency   = "low"
	defaultCategory  = "general"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.+?)\\s*```")

// ParsedSummary is the provider answer mapped onto summary fields.
type ParsedSummary struct {
	Content   string
	KeyTopics []string
	Analysis  entities.Analysis
	Degraded  bool
}

// ParseSummaryResponse reads the provider's JSON answer; anything without a usable JSON summary
// falls back to the free text plus frequency-ranked topics and is flagged Degraded.
func ParseSummaryResponse(response string) ParsedSummary {
	if raw, err := ExtractJSONObject(response); err == nil {
		var fields map[string]any
		if json.Unmarshal([]byte(raw), &fields) == nil {
			if parsed, ok := fromFields(fields); ok {
				return parsed
			}
		}
	}
	return fallbackSummary(response)
}

// ExtractJSONObject pulls the first complete JSON object out of an LLM response that may be
// wrapped in markdown fences or surrounded by prose.
func ExtractJSONObject(response string) (string, error) {
	if strings.TrimSpace(response) == "" {
		return "", ErrNoJSONFound
	}

	cleaned := stripFences(response)
	if obj := matchBraces(cleaned); obj != "" && json.Valid([]byte(obj)) {
		return obj, nil
	}
	if json.Valid([]byte(cleaned)) && strings.HasPrefix(cleaned, "{") {
		return cleaned, nil
	}

	// first { to last }
	first, last := strings.Index(response, "{"), strings.LastIndex(response, "}")
	if first != -1 && last > first {
		candidate := response[first : last+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: response length=%d", ErrNoJSONFound, len(response))
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedBlock.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// matchBraces returns the first balanced {...} span, honouring string literals.
func matchBraces(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func fromFields(f map[string]any) (ParsedSummary, bool) {
	content := strings.TrimSpace(stringField(f, "summary"))
	if content == "" {
		return ParsedSummary{}, false
	}

	topics := stringList(f["key_topics"])
	if len(topics) == 0 {
		topics = ExtractTopics(content, fallbackTopicCount)
	}

	return ParsedSummary{
		Content:   content,
		KeyTopics: topics,
		Analysis: entities.Analysis{
			Sentiment:              lowerOr(stringField(f, "sentiment"), defaultSentiment),
			Urgency:                lowerOr(stringField(f, "urgency"), defaultUrgency),
			Category:               lowerOr(stringField(f, "category"), defaultCategory),
			ActionItems:            stringList(f["action_items"]),
			ParticipantsAnalysis:   stringMap(f["participants_analysis"]),
			ConversationHighlights: stringList(f["conversation_highlights"]),
			FollowUpNeeded:         boolField(f["follow_up_needed"]),
			Tags:                   stringList(f["tags"]),
		},
	}, true
}

func fallbackSummary(response string) ParsedSummary {
	content := stripFences(response)
	return ParsedSummary{
		Content:   content,
		KeyTopics: ExtractTopics(content, fallbackTopicCount),
		Analysis: entities.Analysis{
			Sentiment:              defaultSentiment,
			Urgency:                defaultUrgency,
			Category:               defaultCategory,
			ActionItems:            []string{},
			ConversationHighlights: []string{},
			Tags:                   []string{},
		},
		Degraded: true,
	}
}

func stringField(f map[string]any, key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func lowerOr(s, fallback string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	return s
}

// stringList accepts a JSON array or a comma-separated string.
func stringList(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if item == nil {
				continue
			}
			var s string
			if str, ok := item.(string); ok {
				s = str
			} else {
				s = fmt.Sprint(item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func boolField(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true
		}
	}
	return false
}

var stopwords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again against all also am an and any are as at be because been before being
		below between both but by can could did do does doing down during each few for from further had
		has have having he her here hers herself him himself his how i if in into is it its itself just
		me more most my myself no nor not now of off on once only or other our ours ourselves out over
		own same she should so some such than that the their theirs them themselves then there these
		they this those through to too under until up very was we were what when where which while who
		whom why will with would you your yours yourself yourselves ok okay yes yeah hi hello thanks
		thank please get got let one two also like know want need see said say well really
		yang dan di ke dari ini itu untuk dengan saya aku kamu anda ada tidak akan juga sudah bisa
		apa ya kak pak bu mau atau pada karena jadi kalau lagi aja saja nya dong deh sih
		image message`) {
		stopwords[w] = true
	}
}

// ExtractTopics ranks non-stopword tokens by frequency, ties broken by first appearance.
func ExtractTopics(text string, n int) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, tok := range tokens {
		if len([]rune(tok)) < 3 || stopwords[tok] || isNumeric(tok) {
			continue
		}
		if _, ok := firstSeen[tok]; !ok {
			firstSeen[tok] = i
		}
		counts[tok]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return firstSeen[words[i]] < firstSeen[words[j]]
	})

	if len(words) > n {
		words = words[:n]
	}
	return words
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
