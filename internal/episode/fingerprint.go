// Package episode provides cross-run episodic memory: request
// fingerprinting and a SQLite-backed lookup index over completed-run
// records, consulted at plan time to seed new trees.
package episode

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// Fingerprint pairs the exact hash of a request with a normalized hash used
// for fuzzy matching of reworded but equivalent requests.
type Fingerprint struct {
	Full       string `json:"full"`
	Normalized string `json:"normalized"`
}

// Fingerprinter turns free-form request text into stable fingerprints.
type Fingerprinter struct {
	stopwords map[string]bool
}

// NewFingerprinter creates a Fingerprinter with the default stopword set.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{stopwords: defaultStopwords()}
}

func defaultStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "must", "shall", "can", "need",
		"to", "of", "in", "for", "on", "with", "at", "by", "from", "as",
		"into", "through", "during", "before", "after", "about",
		"and", "but", "or", "nor", "so", "yet", "both", "either", "neither",
		"not", "only", "also", "just", "than", "too", "very",
		"this", "that", "these", "those", "it", "its",
		"i", "me", "my", "we", "us", "our", "you", "your",
		"all", "each", "every", "any", "some", "no", "none",
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Fingerprint hashes the request both exactly and after normalization.
func (f *Fingerprinter) Fingerprint(request string) Fingerprint {
	return Fingerprint{
		Full:       sha256Hex(request),
		Normalized: sha256Hex(f.normalize(request)),
	}
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// normalize lowercases, strips punctuation, drops stopwords, and sorts the
// remaining words so that word order and filler words do not change the hash.
func (f *Fingerprinter) normalize(input string) string {
	lower := strings.ToLower(input)

	var cleaned strings.Builder
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			cleaned.WriteRune(r)
		} else {
			cleaned.WriteRune(' ')
		}
	}

	words := strings.Fields(cleaned.String())
	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if !f.stopwords[w] {
			filtered = append(filtered, w)
		}
	}
	sort.Strings(filtered)
	return strings.Join(filtered, " ")
}
