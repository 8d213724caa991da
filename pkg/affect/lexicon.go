package affect

import (
	"strings"
	"unicode"
)

// Emotion is the (valence, arousal, dominance) rating of a lexicon word.
type Emotion struct {
	Valence   float64
	Arousal   float64
	Dominance float64
}

// Lexicon holds per-language emotion words, intensifiers and negations.
type Lexicon struct {
	words        map[string]map[string]Emotion
	intensifiers map[string]float64
	negations    map[string]struct{}
}

// DefaultLexicon returns the built-in English, Portuguese and Spanish lexicon.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		words: map[string]map[string]Emotion{
			"en": {
				"happy":        {0.8, 0.6, 0.7},
				"joy":          {0.9, 0.8, 0.8},
				"excited":      {0.7, 0.9, 0.6},
				"calm":         {0.5, 0.2, 0.6},
				"pleased":      {0.6, 0.4, 0.5},
				"satisfied":    {0.7, 0.3, 0.6},
				"love":         {0.9, 0.7, 0.5},
				"grateful":     {0.8, 0.5, 0.4},
				"great":        {0.8, 0.6, 0.6},
				"wonderful":    {0.9, 0.6, 0.6},
				"thanks":       {0.6, 0.3, 0.6},
				"thank":        {0.6, 0.3, 0.6},
				"sad":          {-0.7, 0.3, 0.3},
				"angry":        {-0.6, 0.8, 0.7},
				"fear":         {-0.8, 0.7, 0.2},
				"anxious":      {-0.5, 0.7, 0.3},
				"frustrated":   {-0.6, 0.6, 0.4},
				"disappointed": {-0.6, 0.4, 0.3},
				"worried":      {-0.5, 0.6, 0.3},
				"confused":     {-0.3, 0.5, 0.2},
				"upset":        {-0.7, 0.6, 0.3},
				"annoyed":      {-0.5, 0.6, 0.5},
				"terrible":     {-0.9, 0.7, 0.3},
				"awful":        {-0.8, 0.6, 0.3},
				"horrible":     {-0.9, 0.7, 0.3},
				"worst":        {-0.9, 0.6, 0.4},
				"hate":         {-0.9, 0.8, 0.6},
				"refund":       {-0.6, 0.6, 0.5},
				"surprised":    {0.0, 0.8, 0.4},
				"curious":      {0.3, 0.6, 0.5},
				"interested":   {0.4, 0.6, 0.5},
			},
			"pt": {
				"feliz":      {0.8, 0.6, 0.7},
				"alegre":     {0.8, 0.7, 0.7},
				"triste":     {-0.7, 0.3, 0.3},
				"bravo":      {-0.6, 0.8, 0.7},
				"animado":    {0.7, 0.9, 0.6},
				"preocupado": {-0.5, 0.6, 0.3},
				"calmo":      {0.5, 0.2, 0.6},
				"obrigado":   {0.6, 0.3, 0.6},
				"obrigada":   {0.6, 0.3, 0.6},
				"péssimo":    {-0.9, 0.7, 0.3},
				"horrível":   {-0.9, 0.7, 0.3},
				"reembolso":  {-0.6, 0.6, 0.5},
			},
			"es": {
				"contento":   {0.7, 0.5, 0.6},
				"emocionado": {0.7, 0.9, 0.6},
				"enfadado":   {-0.6, 0.7, 0.6},
				"tranquilo":  {0.5, 0.2, 0.6},
				"triste":     {-0.7, 0.3, 0.3},
				"gracias":    {0.6, 0.3, 0.6},
				"terrible":   {-0.9, 0.7, 0.3},
				"reembolso":  {-0.6, 0.6, 0.5},
				"preocupado": {-0.5, 0.6, 0.3},
			},
		},
		intensifiers: map[string]float64{
			"very":      1.3,
			"extremely": 1.5,
			"really":    1.2,
			"quite":     1.1,
			"somewhat":  0.8,
			"slightly":  0.7,
			"barely":    0.5,
			"muito":     1.3,
			"super":     1.4,
			"bastante":  1.1,
			"poco":      0.8,
			"mucho":     1.3,
			"muy":       1.3,
		},
		negations: map[string]struct{}{
			"not": {}, "no": {}, "never": {}, "neither": {}, "nor": {},
			"don't": {}, "doesn't": {}, "isn't": {}, "wasn't": {}, "didn't": {}, "can't": {},
			"não": {}, "nunca": {}, "jamais": {}, "tampoco": {}, "nem": {},
		},
	}
}

// Lookup finds word in the locale's language first, then in every other
// language. Customers mix languages, so a miss in one is not final.
func (l *Lexicon) Lookup(word, locale string) (Emotion, bool) {
	lang := language(locale)
	if e, ok := l.words[lang][word]; ok {
		return e, true
	}
	for code, words := range l.words {
		if code == lang {
			continue
		}
		if e, ok := words[word]; ok {
			return e, true
		}
	}
	return Emotion{}, false
}

// Intensifier returns the multiplier for word, or 1.
func (l *Lexicon) Intensifier(word string) (float64, bool) {
	m, ok := l.intensifiers[word]
	if !ok {
		return 1, false
	}
	return m, true
}

// IsNegation reports whether word negates what follows.
func (l *Lexicon) IsNegation(word string) bool {
	_, ok := l.negations[word]
	return ok
}

// Tokenize lowercases text and splits it into letter runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// language reduces "pt-BR" or "es_MX" to "pt" / "es".
func language(locale string) string {
	locale = strings.ToLower(locale)
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return locale
}
