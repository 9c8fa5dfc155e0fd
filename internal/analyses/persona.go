package analyses

import (
	"fmt"
	"strings"
)

// Persona selects the voice of the refinement stage.
type Persona string

const (
	// PersonaDataAnalyst is the canonical structuring persona. Requesting
	// it skips refinement; the structured result is the final voice.
	PersonaDataAnalyst Persona = "pro_data_analyst"
	// PersonaSmartBot answers end users in short, friendly language.
	PersonaSmartBot Persona = "customer_facing_smart_bot"
	// PersonaAnalyst writes customer-facing analyst commentary.
	PersonaAnalyst Persona = "customer_facing_analyst"
)

// ModelTier picks between the strong and the cheap model of a provider.
type ModelTier string

const (
	TierPro   ModelTier = "pro"
	TierFlash ModelTier = "flash"
)

// PersonaConfig carries the generation knobs for one persona.
type PersonaConfig struct {
	Temperature float32
	Tier        ModelTier
}

var personaConfigs = map[Persona]PersonaConfig{
	PersonaDataAnalyst: {Temperature: 0.1, Tier: TierPro},
	PersonaSmartBot:    {Temperature: 0.3, Tier: TierFlash},
	PersonaAnalyst:     {Temperature: 0.7, Tier: TierPro},
}

// ParsePersona normalizes and validates a persona string. Empty input
// defaults to the smart-bot persona.
func ParsePersona(raw string) (Persona, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return PersonaSmartBot, nil
	}
	p := Persona(s)
	if _, ok := personaConfigs[p]; !ok {
		return "", fmt.Errorf("unknown persona %q", raw)
	}
	return p, nil
}

// Config returns the persona's generation knobs, defaulting unknown
// personas to the smart-bot profile.
func (p Persona) Config() PersonaConfig {
	if cfg, ok := personaConfigs[p]; ok {
		return cfg
	}
	return personaConfigs[PersonaSmartBot]
}
