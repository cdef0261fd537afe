package sessions

import (
	"fmt"
	"strings"

	"studiochat/pkg/domain"
)

const maxTemperature = 2

// DefaultSettings are used for a user until they change them.
func DefaultSettings() domain.Settings {
	return domain.Settings{
		Model:       "gemini-2.5-flash",
		Temperature: 1,
		AspectRatio: "16:9",
		Resolution:  "720p",
		Voice:       "Kore",
	}
}

func normalizeSettings(s domain.Settings, defaults domain.Settings) (domain.Settings, error) {
	s.Model = strings.TrimSpace(s.Model)
	if s.Model == "" {
		return s, fmt.Errorf("%w: model is required", ErrInvalidSettings)
	}
	if s.Temperature < 0 || s.Temperature > maxTemperature {
		return s, fmt.Errorf("%w: temperature must be between 0 and %d", ErrInvalidSettings, maxTemperature)
	}
	if strings.TrimSpace(s.AspectRatio) == "" {
		s.AspectRatio = defaults.AspectRatio
	}
	if strings.TrimSpace(s.Resolution) == "" {
		s.Resolution = defaults.Resolution
	}
	if strings.TrimSpace(s.Voice) == "" {
		s.Voice = defaults.Voice
	}
	return s, nil
}
