package affect

import "strings"

// Tone is the response-tone class of a reply.
type Tone string

const (
	ToneGreeting    Tone = "greeting"
	ToneInformative Tone = "informative"
	ToneSales       Tone = "sales"
	ToneEmpathetic  Tone = "empathetic"
	ToneUrgent      Tone = "urgent"
)

// Tones lists every tone class in a stable order.
func Tones() []Tone {
	return []Tone{ToneGreeting, ToneInformative, ToneSales, ToneEmpathetic, ToneUrgent}
}

// Valid reports whether t is a known tone.
func (t Tone) Valid() bool {
	for _, known := range Tones() {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultToneVectors returns the reference state each tone aligns with.
// The empathetic reference sits at negative warmth so distressed customers
// align with empathetic replies.
func DefaultToneVectors() map[Tone]Vector {
	return map[Tone]Vector{
		ToneGreeting:    {0.5, 0.8, 0.3},
		ToneInformative: {0.2, 0.2, 0.95},
		ToneSales:       {0.9, 0.6, 0.4},
		ToneEmpathetic:  {0.3, -0.6, 0.5},
		ToneUrgent:      {0.95, -0.1, 0.3},
	}
}

var toneKeywords = []struct {
	tone     Tone
	keywords []string
}{
	{ToneGreeting, []string{"hello", "hi", "hey", "welcome", "olá", "oi", "bem-vindo", "bem-vinda", "hola", "bienvenido", "bienvenida"}},
	{ToneSales, []string{"book", "booking", "reserve", "reservar", "agendar", "discount", "offer", "desconto", "oferta", "descuento"}},
	{ToneEmpathetic, []string{"sorry", "apologize", "understand", "desculpa", "desculpe", "lamento", "compreendo", "entiendo", "siento"}},
	{ToneUrgent, []string{"urgent", "urgente", "immediately", "agora", "now", "ahora", "asap"}},
}

// ClassifyTone detects the tone of reply text by keyword; text without a
// keyword is informative.
func ClassifyTone(text string) Tone {
	lower := strings.ToLower(text)
	tokens := make(map[string]struct{})
	for _, tok := range Tokenize(lower) {
		tokens[tok] = struct{}{}
	}
	for _, group := range toneKeywords {
		for _, kw := range group.keywords {
			if strings.ContainsAny(kw, "- ") {
				if strings.Contains(lower, kw) {
					return group.tone
				}
				continue
			}
			if _, ok := tokens[kw]; ok {
				return group.tone
			}
		}
	}
	return ToneInformative
}

// Register is the voice the assistant should adopt for a customer state.
type Register string

const (
	RegisterWelcoming    Register = "welcoming"
	RegisterEnthusiastic Register = "enthusiastic"
	RegisterEmpathetic   Register = "empathetic"
	RegisterProfessional Register = "professional"
)

// TargetRegister picks the voice for a customer in state.
func TargetRegister(state Vector) Register {
	switch {
	case state.Warmth() < -0.3:
		return RegisterEmpathetic
	case state.Activation() > 0.7 && state.Warmth() > 0.5:
		return RegisterEnthusiastic
	case state.Activation() < 0.4:
		return RegisterProfessional
	default:
		return RegisterWelcoming
	}
}

// Tone maps a register to the reply tone class that carries it.
func (r Register) Tone() Tone {
	switch r {
	case RegisterEmpathetic:
		return ToneEmpathetic
	case RegisterEnthusiastic:
		return ToneSales
	case RegisterProfessional:
		return ToneInformative
	default:
		return ToneGreeting
	}
}
