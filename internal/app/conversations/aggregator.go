// Package conversations maintains the current user's conversation list,
// joined with counterpart, listing and last-message metadata.
package conversations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"estatepro/internal/app/policies"
	"estatepro/internal/app/reconcile"
	"estatepro/internal/domain/chat"
)

const (
	sourceAggregator = "conversations"

	ReasonMetadataFailed = "metadata_failed"
	ReasonPendingEvicted = "pending_evicted"

	DefaultPendingLimit = 256
	DefaultPendingTTL   = 2 * time.Minute
	DefaultConcurrency  = 8
)

// Backend is the subset of the gateway the aggregator reads from.
type Backend interface {
	ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error)
	LastMessage(ctx context.Context, conversationID string) (*chat.Message, error)
	policies.Directory
}

type Options struct {
	UserID       string
	PendingLimit int
	PendingTTL   time.Duration
	Concurrency  int
	CallTimeout  time.Duration
	Diagnostics  policies.Diagnostics
	Now          func() time.Time
	// OnChange receives the ordered list after every change, with the
	// aggregator lock held.
	OnChange func(summaries []chat.ConversationSummary)
}

type pendingEntry struct {
	preview  *chat.MessagePreview
	received time.Time
}

// Aggregator is safe for concurrent use by the push, poll and metadata paths.
type Aggregator struct {
	backend Backend
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	set     *reconcile.Set[chat.ConversationSummary]
	pending map[string]pendingEntry
}

func NewAggregator(backend Backend, opts Options) *Aggregator {
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = DefaultPendingLimit
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = policies.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		backend: backend,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		set:     reconcile.NewSet(Rules(opts.Diagnostics)),
		pending: make(map[string]pendingEntry),
	}
}

// Rules returns the reconciliation rules for summaries. Duplicates are
// combined field by field; see Combine.
func Rules(diag policies.Diagnostics) reconcile.Rules[chat.ConversationSummary] {
	return reconcile.Rules[chat.ConversationSummary]{
		ID:   chat.SummaryID,
		Less: chat.SummaryBefore,
		Validate: func(s chat.ConversationSummary) error {
			return s.Conversation.Validate()
		},
		Combine:     Combine,
		Source:      sourceAggregator,
		Diagnostics: diag,
	}
}

// Combine folds incoming into existing. Base fields are immutable, present
// metadata replaces absent or different metadata, and the last message only
// moves forward in (created_at, id) order.
func Combine(existing, incoming chat.ConversationSummary) (chat.ConversationSummary, bool) {
	out := existing
	changed := false
	if incoming.Counterpart != nil && (existing.Counterpart == nil || *existing.Counterpart != *incoming.Counterpart) {
		out.Counterpart = incoming.Counterpart
		changed = true
	}
	if incoming.Listing != nil && (existing.Listing == nil || *existing.Listing != *incoming.Listing) {
		out.Listing = incoming.Listing
		changed = true
	}
	if last := chat.NewerPreview(existing.LastMessage, incoming.LastMessage); last != existing.LastMessage {
		out.LastMessage = last
		changed = true
	}
	return out, changed
}

// LoadAll fetches every conversation of the user and joins metadata with
// bounded parallelism. A metadata failure keeps the conversation listed on
// its base fields. Only the conversation listing itself can fail the load.
func (a *Aggregator) LoadAll(ctx context.Context) error {
	callCtx, cancel := a.callContext(ctx)
	convs, err := a.backend.ListConversations(callCtx, a.opts.UserID)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: list conversations: %w", chat.ErrLoadFailed, err)
	}

	summaries := make([]chat.ConversationSummary, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, conv := range convs {
		g.Go(func() error {
			summaries[i] = a.join(gctx, conv)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrLoadFailed, err)
	}

	owned := summaries[:0]
	for _, s := range summaries {
		if s.HasParticipant(a.opts.UserID) {
			owned = append(owned, s)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.mergeLocked(owned...)
	return nil
}

// OnConversationCreated inserts a conversation the user takes part in and
// resolves its metadata in the background.
func (a *Aggregator) OnConversationCreated(conv chat.Conversation) {
	if !conv.HasParticipant(a.opts.UserID) {
		return
	}
	a.mu.Lock()
	if a.closed || a.set.Has(conv.ID) {
		a.mu.Unlock()
		return
	}
	inserted := a.mergeLocked(chat.ConversationSummary{Conversation: conv})
	if inserted {
		a.wg.Add(1)
	}
	a.mu.Unlock()
	if !inserted {
		return
	}

	go func() {
		defer a.wg.Done()
		resolved := a.join(a.ctx, conv)
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			return
		}
		a.mergeLocked(resolved)
	}()
}

// OnMessageCreated advances the conversation's last message, or parks it
// until the conversation shows up.
func (a *Aggregator) OnMessageCreated(msg chat.Message) {
	if err := msg.Validate(); err != nil {
		a.opts.Diagnostics.Report(policies.Diagnostic{
			Source:   sourceAggregator,
			Reason:   reconcile.ReasonMalformed,
			EntityID: msg.ID,
			Err:      err,
		})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if held, ok := a.set.Get(msg.ConversationID); ok {
		a.mergeLocked(chat.ConversationSummary{Conversation: held.Conversation, LastMessage: msg.Preview()})
		return
	}
	a.parkLocked(msg)
}

// Summaries returns a copy of the ordered list.
func (a *Aggregator) Summaries() []chat.ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set.Items()
}

// PendingLen reports how many parked messages are waiting for a conversation.
func (a *Aggregator) PendingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()
	return len(a.pending)
}

// Wait blocks until background metadata fetches finish.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// Close cancels background fetches and freezes the list. It does not wait
// for them; their results are discarded.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
}

func (a *Aggregator) mergeLocked(incoming ...chat.ConversationSummary) bool {
	a.expireLocked()
	for i := range incoming {
		if p, ok := a.pending[incoming[i].ID]; ok {
			incoming[i].LastMessage = chat.NewerPreview(incoming[i].LastMessage, p.preview)
			delete(a.pending, incoming[i].ID)
		}
	}
	if !a.set.Merge(incoming...) {
		return false
	}
	if a.opts.OnChange != nil {
		a.opts.OnChange(a.set.Items())
	}
	return true
}

func (a *Aggregator) parkLocked(msg chat.Message) {
	a.expireLocked()
	now := a.opts.Now()
	if held, ok := a.pending[msg.ConversationID]; ok {
		a.pending[msg.ConversationID] = pendingEntry{
			preview:  chat.NewerPreview(held.preview, msg.Preview()),
			received: now,
		}
		return
	}
	if len(a.pending) >= a.opts.PendingLimit {
		oldestID := ""
		var oldest time.Time
		for id, p := range a.pending {
			if oldestID == "" || p.received.Before(oldest) {
				oldestID, oldest = id, p.received
			}
		}
		a.evictLocked(oldestID, "pending buffer full")
	}
	a.pending[msg.ConversationID] = pendingEntry{preview: msg.Preview(), received: now}
}

func (a *Aggregator) expireLocked() {
	if len(a.pending) == 0 {
		return
	}
	cutoff := a.opts.Now().Add(-a.opts.PendingTTL)
	for id, p := range a.pending {
		if p.received.Before(cutoff) {
			a.evictLocked(id, "pending message expired")
		}
	}
}

func (a *Aggregator) evictLocked(conversationID, why string) {
	p := a.pending[conversationID]
	delete(a.pending, conversationID)
	entityID := conversationID
	if p.preview != nil {
		entityID = p.preview.ID
	}
	a.opts.Diagnostics.Report(policies.Diagnostic{
		Source:   sourceAggregator,
		Reason:   ReasonPendingEvicted,
		EntityID: entityID,
		Err:      fmt.Errorf("%s for conversation %s", why, conversationID),
	})
}

// join resolves last message, counterpart profile and listing for conv.
// Every lookup is independent and a failing one only leaves its field empty.
func (a *Aggregator) join(ctx context.Context, conv chat.Conversation) chat.ConversationSummary {
	summary := chat.ConversationSummary{Conversation: conv}

	if last, err := withTimeout(ctx, a.opts.CallTimeout, func(ctx context.Context) (*chat.Message, error) {
		return a.backend.LastMessage(ctx, conv.ID)
	}); err != nil {
		a.reportMetadata(conv.ID, "last message", err)
	} else if last != nil {
		summary.LastMessage = last.Preview()
	}

	counterpartID := conv.OtherParticipant(a.opts.UserID)
	if profile, err := withTimeout(ctx, a.opts.CallTimeout, func(ctx context.Context) (*chat.ParticipantProfile, error) {
		return a.backend.GetProfile(ctx, counterpartID)
	}); err != nil {
		a.reportMetadata(conv.ID, "profile "+counterpartID, err)
	} else {
		summary.Counterpart = profile
	}

	if listing, err := withTimeout(ctx, a.opts.CallTimeout, func(ctx context.Context) (*chat.ListingSummary, error) {
		return a.backend.GetListingSummary(ctx, conv.PropertyID)
	}); err != nil {
		a.reportMetadata(conv.ID, "listing "+conv.PropertyID, err)
	} else {
		summary.Listing = listing
	}
	return summary
}

func (a *Aggregator) reportMetadata(conversationID, what string, err error) {
	a.opts.Diagnostics.Report(policies.Diagnostic{
		Source:   sourceAggregator,
		Reason:   ReasonMetadataFailed,
		EntityID: conversationID,
		Err:      fmt.Errorf("fetch %s: %w", what, err),
	})
}

func (a *Aggregator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.CallTimeout)
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
