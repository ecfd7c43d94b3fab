package trigger

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexiconYAML []byte

// Lexicon holds the word lists used to classify message content.
type Lexicon struct {
	Heated    []string `yaml:"heated"`
	Emotional []string `yaml:"emotional"`
}

// DefaultLexicon returns the built-in English word lists.
func DefaultLexicon() Lexicon {
	lex, err := ParseLexicon(defaultLexiconYAML)
	if err != nil {
		panic("trigger: embedded lexicon is invalid: " + err.Error())
	}
	return lex
}

// LoadLexicon reads a YAML lexicon from path.
func LoadLexicon(path string) (Lexicon, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return Lexicon{}, fmt.Errorf("reading lexicon: %w", err)
	}
	return ParseLexicon(data)
}

// ParseLexicon decodes and validates a YAML lexicon. Entries are
// lower-cased and trimmed; empty entries are dropped.
func ParseLexicon(data []byte) (Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return Lexicon{}, fmt.Errorf("parsing lexicon: %w", err)
	}
	lex.Heated = normalize(lex.Heated)
	lex.Emotional = normalize(lex.Emotional)
	if len(lex.Heated) == 0 {
		return Lexicon{}, errors.New("lexicon has no heated words")
	}
	if len(lex.Emotional) == 0 {
		return Lexicon{}, errors.New("lexicon has no emotional words")
	}
	return lex, nil
}

// IsHeated reports whether content contains a heated word.
func (l Lexicon) IsHeated(content string) bool {
	return containsAny(content, l.Heated)
}

// IsEmotional reports whether content contains an emotional word.
func (l Lexicon) IsEmotional(content string) bool {
	return containsAny(content, l.Emotional)
}

func containsAny(content string, words []string) bool {
	lower := strings.ToLower(content)
	for _, word := range words {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			out = append(out, word)
		}
	}
	return out
}
