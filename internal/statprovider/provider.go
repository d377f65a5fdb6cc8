// Package statprovider fetches a character's aggregate stat percentage and
// per-skill levels from the upstream game.
package statprovider

import (
	"context"
	"strings"

	"annexe/internal/apperrors"
	"annexe/internal/config"
)

// Score is a character's stat snapshot.
type Score struct {
	Aggregate int            `json:"aggregate"`
	Skills    map[string]int `json:"skills"`
}

// Skill returns the level of a skill, matching names case-insensitively.
// Unknown skills are level 0.
func (s Score) Skill(name string) int {
	if lvl, ok := s.Skills[name]; ok {
		return lvl
	}
	for k, lvl := range s.Skills {
		if strings.EqualFold(k, name) {
			return lvl
		}
	}
	return 0
}

// Provider returns a character's current score. Failures to reach the
// upstream are reported as apperrors.CodeUnavailable.
type Provider interface {
	GetCharacterScore(ctx context.Context, characterID int64) (Score, error)
}

// Static serves fixed scores. Scores overrides Default per character.
type Static struct {
	Default Score
	Scores  map[int64]Score
	// Err, when set, is returned for every lookup.
	Err error
}

func (s Static) GetCharacterScore(_ context.Context, characterID int64) (Score, error) {
	if s.Err != nil {
		return Score{}, s.Err
	}
	if sc, ok := s.Scores[characterID]; ok {
		return sc, nil
	}
	return s.Default, nil
}

// FromConfig builds the provider selected by cfg.
func FromConfig(cfg config.StatProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case config.StatProviderStatic, "":
		return Static{Default: Score{Aggregate: cfg.Aggregate, Skills: cfg.Skills}}, nil
	case config.StatProviderHTTP:
		return NewHTTP(cfg), nil
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalid, "unknown stat provider kind %q", cfg.Kind)
	}
}
