package eventbus

import "strings"

const (
	// SubjectPrefix is the prefix of every conversation event subject.
	SubjectPrefix = "aurora.v1.conversation"

	// AllSubjects matches every conversation event.
	AllSubjects = SubjectPrefix + ".>"
)

// Subject returns the subject an event type is published on. Dots in the
// type would add segments, so they become underscores.
func Subject(eventType string) string {
	if eventType == "" {
		eventType = "unknown"
	}
	return SubjectPrefix + "." + strings.ReplaceAll(eventType, ".", "_")
}

// subjectMatches compares dot-separated segments. "*" matches exactly one
// segment and a final ">" matches one or more remaining segments.
func subjectMatches(pattern, subject string) bool {
	want := strings.Split(pattern, ".")
	have := strings.Split(subject, ".")
	for i, seg := range want {
		if seg == ">" && i == len(want)-1 {
			return len(have) > i
		}
		if i >= len(have) || (seg != "*" && seg != have[i]) {
			return false
		}
	}
	return len(want) == len(have)
}
