// Package candidate produces reply candidates for a turn from templates,
// the knowledge base, learned answers and the customer's own episodes.
package candidate

import (
	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/storage"
)

// Fixed priors per source.
const (
	TemplateConfidence = 0.9
	TemplateRelevance  = 0.9
	LearnedConfidence  = 0.85
	EpisodicConfidence = 0.75
	EpisodicRelevance  = 0.7
)

// Candidate is a provisional reply competing for selection.
type Candidate struct {
	// ActionID identifies what the reply does, e.g. "template:greeting"
	// or "knowledge:<id>". Forbidden actions are matched on it.
	ActionID string         `json:"action_id"`
	Source   storage.Source `json:"source"`
	Text     string         `json:"text"`
	Tone     affect.Tone    `json:"tone"`
	// Relevance is the provisional semantic relevance in [0,1].
	Relevance  float64 `json:"relevance"`
	Confidence float64 `json:"confidence"`
	// Utility is a stored utility prior in [0,1]; 0 means unknown.
	Utility float64 `json:"utility,omitempty"`
	Intent  string  `json:"intent,omitempty"`
	// Tags label what the reply does beyond its ActionID; the policy
	// filter checks them too.
	Tags        []string `json:"tags,omitempty"`
	KnowledgeID string   `json:"knowledge_id,omitempty"`
	EpisodeID   string   `json:"episode_id,omitempty"`
}

// Context is what the generator knows about the conversation.
type Context struct {
	SessionID  string
	CustomerID string
	Category   string
	Extra      map[string]string
}

// Request is the input of Generate.
type Request struct {
	Query   string
	State   affect.Vector
	Context Context
	Locale  string
	// Intent is detected from Query when empty.
	Intent string
	Max    int
}

// Jaccard returns the word-set overlap of a and b in [0,1].
func Jaccard(a, b string) float64 {
	sa := wordSet(a)
	sb := wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range affect.Tokenize(s) {
		out[tok] = struct{}{}
	}
	return out
}

func toneOf(declared, text string) affect.Tone {
	if t := affect.Tone(declared); t.Valid() {
		return t
	}
	return affect.ClassifyTone(text)
}
