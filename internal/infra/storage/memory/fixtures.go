package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"estatepro/internal/domain/chat"
)

// Fixtures seed the directory for local runs.
type Fixtures struct {
	Profiles []profileFixture `json:"profiles"`
	Listings []listingFixture `json:"listings"`
}

type profileFixture struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Role        string `json:"role"`
}

type listingFixture struct {
	ID               string         `json:"id"`
	Host             string         `json:"host"`
	Title            string         `json:"title"`
	Address          fixtureAddress `json:"address"`
	NightlyRateCents int64          `json:"nightly_rate_cents"`
	ThumbnailURL     string         `json:"thumbnail_url"`
}

type fixtureAddress struct {
	Line1   string `json:"line1"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// LoadFixtures reads path into d. A missing file is not an error.
func (d *Directory) LoadFixtures(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("chat fixtures file not found, skipping", "path", path)
			return nil
		}
		return fmt.Errorf("read fixtures: %w", err)
	}
	if len(data) == 0 {
		logger.Warn("chat fixtures file empty", "path", path)
		return nil
	}
	var fx Fixtures
	if err := json.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	d.Seed(fx, logger)
	return nil
}

// Seed stores every valid fixture and skips the rest.
func (d *Directory) Seed(fx Fixtures, logger *slog.Logger) {
	for _, p := range fx.Profiles {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.DisplayName) == "" {
			logger.Error("profile fixture invalid", "user_id", p.ID)
			continue
		}
		d.PutProfile(p.ID, chat.ParticipantProfile{
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			Role:        chat.Role(p.Role),
		})
	}
	for _, l := range fx.Listings {
		if strings.TrimSpace(l.ID) == "" || strings.TrimSpace(l.Title) == "" {
			logger.Error("listing fixture invalid", "listing_id", l.ID)
			continue
		}
		d.PutListing(l.ID, chat.ListingSummary{
			Title:        l.Title,
			City:         l.Address.City,
			PriceCents:   l.NightlyRateCents,
			ThumbnailURL: l.ThumbnailURL,
		})
	}
	logger.Info("chat fixtures imported", "profiles", len(fx.Profiles), "listings", len(fx.Listings))
}

// DefaultFixturesPath returns the first fixtures file found next to the
// working directory.
func DefaultFixturesPath() string {
	candidates := []string{
		filepath.Join("data", "chat_fixtures.json"),
		filepath.Join("..", "data", "chat_fixtures.json"),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return candidates[0]
}
