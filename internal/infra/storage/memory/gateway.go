package memory

import "estatepro/internal/app/policies"

// Gateway bundles the in-memory repository, directory and feed. Writes are
// announced on the bundled feed.
type Gateway struct {
	*Repository
	*Directory
	*Feed
}

func NewGateway(opts ...Option) *Gateway {
	feed := NewFeed(0)
	repo := NewRepository(append([]Option{WithPublisher(feed)}, opts...)...)
	return &Gateway{Repository: repo, Directory: NewDirectory(), Feed: feed}
}

var _ policies.Gateway = (*Gateway)(nil)
