package memory

import (
	"container/list"
	"strings"
	"sync"
)

// Template is a canned reply for an intent in one locale.
type Template struct {
	Intent string `json:"intent"`
	Locale string `json:"locale"`
	Tone   string `json:"tone"`
	Text   string `json:"text"`
}

// TemplateSpec is the seed form of a template with all locale variants.
type TemplateSpec struct {
	Intent string            `yaml:"intent"`
	Tone   string            `yaml:"tone"`
	Texts  map[string]string `yaml:"texts"`
}

// TemplateCache resolves templates by intent and locale and keeps the
// hottest resolutions in an LRU.
type TemplateCache struct {
	mu       sync.Mutex
	specs    map[string]TemplateSpec
	maxSize  int
	items    map[string]*list.Element
	eviction *list.List
	hits     int64
	misses   int64
}

type cacheItem struct {
	key string
	tpl *Template
}

// NewTemplateCache creates a cache over specs holding at most maxSize
// resolved templates.
func NewTemplateCache(specs []TemplateSpec, maxSize int) *TemplateCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	c := &TemplateCache{
		specs:    make(map[string]TemplateSpec, len(specs)),
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
	for _, s := range specs {
		c.specs[s.Intent] = s
	}
	return c
}

// Lookup returns the template for intent in locale, falling back to the
// locale's language and then English.
func (c *TemplateCache) Lookup(intent, locale string) (*Template, error) {
	if intent == "" {
		return nil, ErrNoTemplate
	}
	key := intent + "|" + locale

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheItem).tpl, nil
	}
	c.misses++

	spec, ok := c.specs[intent]
	if !ok {
		return nil, ErrNoTemplate
	}
	tpl := resolve(spec, locale)
	if tpl == nil {
		return nil, ErrNoTemplate
	}

	if c.eviction.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = c.eviction.PushFront(&cacheItem{key: key, tpl: tpl})
	return tpl, nil
}

func resolve(spec TemplateSpec, locale string) *Template {
	candidates := []string{locale}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		candidates = append(candidates, locale[:i])
	}
	candidates = append(candidates, "en")
	for _, loc := range candidates {
		if text, ok := spec.Texts[loc]; ok {
			return &Template{Intent: spec.Intent, Locale: loc, Tone: spec.Tone, Text: text}
		}
	}
	return nil
}

// Replace swaps the template specs and clears the cache.
func (c *TemplateCache) Replace(specs []TemplateSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs = make(map[string]TemplateSpec, len(specs))
	for _, s := range specs {
		c.specs[s.Intent] = s
	}
	c.items = make(map[string]*list.Element)
	c.eviction.Init()
}

// Len returns the number of cached resolutions.
func (c *TemplateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HitRate returns the cache hit rate (0.0-1.0) and total accesses.
func (c *TemplateCache) HitRate() (rate float64, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total = c.hits + c.misses
	if total == 0 {
		return 0, 0
	}
	return float64(c.hits) / float64(total), total
}

func (c *TemplateCache) evictOldest() {
	back := c.eviction.Back()
	if back == nil {
		return
	}
	c.eviction.Remove(back)
	delete(c.items, back.Value.(*cacheItem).key)
}
