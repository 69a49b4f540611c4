package retrieval

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Variant weights. The original query always searches at full weight;
// generated variants are discounted so they widen recall without
// dominating it.
const (
	originalWeight = 1.0
	variantWeight  = 0.8

	// multiVariantBonus rewards entities found by two or more variants.
	multiVariantBonus = 1.1
)

// Variant is one expanded form of a query.
type Variant struct {
	Text   string
	Weight float64
}

type rewriteRule struct {
	pattern *regexp.Regexp
	replace string
}

// Expander generates query variants through synonym substitution, acronym
// expansion, and phrasal rewrites. Dictionaries ship compiled in and can be
// extended from a YAML file.
type Expander struct {
	synonyms map[string][]string
	acronyms map[string]string
	rewrites []rewriteRule
}

// dictionaryFile is the YAML shape accepted by LoadDictionaries.
type dictionaryFile struct {
	Synonyms map[string][]string `yaml:"synonyms"`
	Acronyms map[string]string   `yaml:"acronyms"`
	Rewrites []struct {
		Pattern string `yaml:"pattern"`
		Replace string `yaml:"replace"`
	} `yaml:"rewrites"`
}

// NewExpander builds an expander with the built-in dictionaries.
func NewExpander() *Expander {
	return &Expander{
		synonyms: map[string][]string{
			"bug":     {"error", "defect"},
			"error":   {"failure", "bug"},
			"fix":     {"resolve", "repair"},
			"fast":    {"performant", "quick"},
			"slow":    {"sluggish", "latency"},
			"crash":   {"panic", "abort"},
			"test":    {"spec", "verification"},
			"config":  {"configuration", "settings"},
			"deploy":  {"release", "ship"},
			"delete":  {"remove", "drop"},
			"auth":    {"authentication", "login"},
			"search":  {"query", "lookup"},
			"message": {"event", "notification"},
		},
		acronyms: map[string]string{
			"db":   "database",
			"ws":   "websocket",
			"api":  "application programming interface",
			"ui":   "user interface",
			"ci":   "continuous integration",
			"fts":  "full text search",
			"tls":  "transport layer security",
			"sse":  "server sent events",
			"mmr":  "maximal marginal relevance",
			"acl":  "access control list",
			"perf": "performance",
		},
		rewrites: []rewriteRule{
			{regexp.MustCompile(`(?i)^how (?:do|can|should) (?:i|we|you) (.+?)\??$`), "$1"},
			{regexp.MustCompile(`(?i)^what(?:'s| is) the best way to (.+?)\??$`), "$1"},
			{regexp.MustCompile(`(?i)^why (?:is|does|did) (.+?) (?:fail(?:ing)?|break(?:ing)?|crash(?:ing)?)\??$`), "$1 failure"},
			{regexp.MustCompile(`(?i)(.+?) (?:doesn't|does not|won't|will not) work$`), "$1 broken"},
		},
	}
}

// LoadDictionaries merges entries from a YAML file into the built-in
// dictionaries. File entries win on key collisions.
func (e *Expander) LoadDictionaries(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dictionary file: %w", err)
	}
	var file dictionaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse dictionary file: %w", err)
	}
	for word, alts := range file.Synonyms {
		e.synonyms[strings.ToLower(word)] = alts
	}
	for acronym, expansion := range file.Acronyms {
		e.acronyms[strings.ToLower(acronym)] = expansion
	}
	for _, r := range file.Rewrites {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("compile rewrite pattern %q: %w", r.Pattern, err)
		}
		e.rewrites = append(e.rewrites, rewriteRule{pattern: pattern, replace: r.Replace})
	}
	return nil
}

// Expand returns the original query plus up to max-1 distinct variants.
// Rewrites run first because they reshape the whole phrase; acronym and
// synonym substitutions then vary single words.
func (e *Expander) Expand(query string, max int) []Variant {
	query = strings.TrimSpace(query)
	variants := []Variant{{Text: query, Weight: originalWeight}}
	if max <= 1 || query == "" {
		return variants
	}

	seen := map[string]bool{strings.ToLower(query): true}
	add := func(text string) bool {
		text = strings.TrimSpace(text)
		key := strings.ToLower(text)
		if text == "" || seen[key] {
			return len(variants) < max
		}
		seen[key] = true
		variants = append(variants, Variant{Text: text, Weight: variantWeight})
		return len(variants) < max
	}

	for _, r := range e.rewrites {
		if r.pattern.MatchString(query) {
			if !add(r.pattern.ReplaceAllString(query, r.replace)) {
				return variants
			}
		}
	}

	words := strings.Fields(query)
	for i, word := range words {
		key := strings.ToLower(strings.Trim(word, `.,!?"'`))
		if expansion, ok := e.acronyms[key]; ok {
			if !add(replaceWord(words, i, expansion)) {
				return variants
			}
		}
		for _, alt := range e.synonyms[key] {
			if !add(replaceWord(words, i, alt)) {
				return variants
			}
		}
	}
	return variants
}

func replaceWord(words []string, i int, replacement string) string {
	out := make([]string, len(words))
	copy(out, words)
	out[i] = replacement
	return strings.Join(out, " ")
}
