package s3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/domain/chat"
	"estatepro/internal/infra/storage/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func seededDirectory() *memory.Directory {
	dir := memory.NewDirectory()
	dir.PutListing("prop-1", chat.ListingSummary{Title: "Loft", City: "Lisbon", PriceCents: 18500, ThumbnailURL: "listings/prop-1/cover.jpg"})
	dir.PutListing("prop-2", chat.ListingSummary{Title: "Flat", ThumbnailURL: "https://cdn.example.com/prop-2.jpg"})
	dir.PutProfile("agent-9", chat.ParticipantProfile{DisplayName: "Nina Agent", AvatarURL: "/avatars/agent-9.png"})
	return dir
}

func TestThumbnailDirectoryPresignsObjectKeys(t *testing.T) {
	client, err := NewClient("http://localhost:9000", false, "minioadmin", "minioadmin")
	require.NoError(t, err)
	dir, err := NewThumbnailDirectory(seededDirectory(), client, "estatepro-photos", time.Minute, quiet)
	require.NoError(t, err)
	ctx := context.Background()

	l, err := dir.GetListingSummary(ctx, "prop-1")
	require.NoError(t, err)
	u, err := url.Parse(l.ThumbnailURL)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/estatepro-photos/listings/prop-1/cover.jpg", u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "60", u.Query().Get("X-Amz-Expires"))

	l, err = dir.GetListingSummary(ctx, "prop-2")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/prop-2.jpg", l.ThumbnailURL)

	p, err := dir.GetProfile(ctx, "agent-9")
	require.NoError(t, err)
	assert.True(t, strings.Contains(p.AvatarURL, "/estatepro-photos/avatars/agent-9.png"))

	missing, err := dir.GetListingSummary(ctx, "prop-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

type failingPresigner struct{}

func (failingPresigner) PresignedGetObject(context.Context, string, string, time.Duration, url.Values) (*url.URL, error) {
	return nil, errors.New("no credentials")
}

func TestThumbnailDirectoryDropsUnsignableKeys(t *testing.T) {
	dir, err := NewThumbnailDirectory(seededDirectory(), failingPresigner{}, "bucket", 0, quiet)
	require.NoError(t, err)
	l, err := dir.GetListingSummary(context.Background(), "prop-1")
	require.NoError(t, err)
	assert.Equal(t, "Loft", l.Title)
	assert.Empty(t, l.ThumbnailURL)
}

func TestNewThumbnailDirectoryValidates(t *testing.T) {
	_, err := NewThumbnailDirectory(nil, failingPresigner{}, "bucket", 0, nil)
	assert.Error(t, err)
	_, err = NewThumbnailDirectory(seededDirectory(), failingPresigner{}, " ", 0, nil)
	assert.Error(t, err)
}
