package storage

import "time"

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Metadata.Extra = cloneStrings(m.Metadata.Extra)
	return &c
}

// Clone returns a deep copy of e.
func (e *KnowledgeEntry) Clone() *KnowledgeEntry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	c.Texts = cloneStrings(e.Texts)
	c.Embedding = append([]float32(nil), e.Embedding...)
	c.LastUsedAt = cloneTime(e.LastUsedAt)
	return &c
}

// Clone returns a deep copy of e.
func (e *Experience) Clone() *Experience {
	c := *e
	c.Metadata = cloneStrings(e.Metadata)
	return &c
}

// Clone returns a deep copy of h.
func (h *HandoffRecord) Clone() *HandoffRecord {
	c := *h
	c.ResolvedAt = cloneTime(h.ResolvedAt)
	return &c
}

// Clone returns a deep copy of e.
func (e *Episode) Clone() *Episode {
	c := *e
	return &c
}
