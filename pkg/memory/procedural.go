package memory

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yyd/aurora/pkg/affect"
)

// Rule maps keywords to an intent. Multi-word keywords match as phrases.
type Rule struct {
	Intent   string   `yaml:"intent" json:"intent"`
	Priority int      `yaml:"priority" json:"priority"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// RuleSet is one published version of the rules.
type RuleSet struct {
	Version   int       `json:"version"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
}

// Procedural holds versioned intent rules. Readers never block; updates
// publish a new version and keep a bounded history for rollback.
type Procedural struct {
	current atomic.Pointer[RuleSet]

	mu      sync.Mutex
	history []*RuleSet
	keep    int
}

// NewProcedural publishes rules as version 1.
func NewProcedural(rules []Rule) *Procedural {
	p := &Procedural{keep: 10}
	set := &RuleSet{Version: 1, Rules: normalizeRules(rules), CreatedAt: time.Now()}
	p.current.Store(set)
	p.history = []*RuleSet{set}
	return p
}

func normalizeRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(strings.TrimSpace(kw))
		}
		out[i] = Rule{Intent: r.Intent, Priority: r.Priority, Keywords: kws}
	}
	return out
}

// Current returns the active rule set.
func (p *Procedural) Current() *RuleSet {
	return p.current.Load()
}

// Update publishes rules as a new version and returns it.
func (p *Procedural) Update(rules []Rule) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := &RuleSet{Version: p.current.Load().Version + 1, Rules: normalizeRules(rules), CreatedAt: time.Now()}
	p.current.Store(set)
	p.history = append(p.history, set)
	if len(p.history) > p.keep {
		p.history = p.history[len(p.history)-p.keep:]
	}
	return set.Version
}

// Rollback republishes an earlier version's rules as a new version.
func (p *Procedural) Rollback(version int) (int, error) {
	p.mu.Lock()
	var found *RuleSet
	for _, set := range p.history {
		if set.Version == version {
			found = set
		}
	}
	p.mu.Unlock()
	if found == nil {
		return 0, fmt.Errorf("memory: rule version %d not retained", version)
	}
	return p.Update(found.Rules), nil
}

// Detect returns the intent of text: the highest-priority rule with a
// matching keyword, or "" when none matches.
func (p *Procedural) Detect(text string) string {
	lower := strings.ToLower(text)
	tokens := make(map[string]struct{})
	for _, tok := range affect.Tokenize(lower) {
		tokens[tok] = struct{}{}
	}

	best, bestPriority := "", -1
	for _, r := range p.current.Load().Rules {
		if r.Priority <= bestPriority {
			continue
		}
		for _, kw := range r.Keywords {
			var hit bool
			if strings.Contains(kw, " ") {
				hit = strings.Contains(lower, kw)
			} else {
				_, hit = tokens[kw]
			}
			if hit {
				best, bestPriority = r.Intent, r.Priority
				break
			}
		}
	}
	return best
}
