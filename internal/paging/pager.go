// Package paging implements stable cursor-based message-history pagination.
// Pages are keyed by a boundary item (creation time + message ID), never by
// numeric offset, so concurrent appends cannot shift or repeat a window that
// was already returned.
package paging

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/store"
)

// Direction selects which side of the cursor a page covers.
type Direction string

const (
	// Backward pages toward older messages. With a nil cursor it returns
	// the most recent window.
	Backward Direction = "backward"
	// Forward pages toward newer messages.
	Forward Direction = "forward"
)

const DefaultLimit = 50

// Options controls one page request.
type Options struct {
	Limit     int
	Cursor    string // empty means "from the newest edge"
	Direction Direction
}

// Page is one pagination window. Backward pages list messages newest first,
// forward pages oldest first. NextCursor is the boundary of the oldest item
// for further backward paging; PrevCursor the newest item's boundary for
// forward paging.
type Page struct {
	Messages   []model.Message `json:"messages"`
	HasMore    bool            `json:"has_more"`
	NextCursor string          `json:"next_cursor,omitempty"`
	PrevCursor string          `json:"prev_cursor,omitempty"`
}

// cursor is the decoded boundary: the total order within a conversation is
// (createdAt, id), creation time first, ID breaking ties.
type cursor struct {
	createdAtNano int64
	id            string
}

func encodeCursor(m *model.Message) string {
	raw := fmt.Sprintf("%d:%s", m.CreatedAt.UnixNano(), m.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	nano, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return cursor{}, fmt.Errorf("malformed cursor %q", raw)
	}
	n, err := strconv.ParseInt(nano, 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return cursor{createdAtNano: n, id: id}, nil
}

// olderThan reports whether m sorts strictly before the cursor boundary.
func (c cursor) olderThan(m *model.Message) bool {
	at := time.Unix(0, c.createdAtNano)
	if !m.CreatedAt.Equal(at) {
		return m.CreatedAt.Before(at)
	}
	return m.ID.String() < c.id
}

// Pager serves message-history pages from the message store.
type Pager struct {
	messages store.MessageStore
}

func New(messages store.MessageStore) *Pager {
	return &Pager{messages: messages}
}

// GetMessages returns one page of the conversation's history per Options.
// Repeatedly following NextCursor backward reproduces every message exactly
// once in strictly descending creation-time order, even while new messages
// are appended concurrently: appends land strictly after any already
// returned boundary.
func (p *Pager) GetMessages(ctx context.Context, conversationID uuid.UUID, opts Options) (Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	dir := opts.Direction
	if dir == "" {
		dir = Backward
	}

	all, err := p.messages.LoadMessages(ctx, conversationID) // ordered ascending
	if err != nil {
		return Page{}, fmt.Errorf("page messages of %s: %w", conversationID, err)
	}

	eligible := all
	if opts.Cursor != "" {
		cur, err := decodeCursor(opts.Cursor)
		if err != nil {
			return Page{}, err
		}
		switch dir {
		case Backward:
			// Strictly older than the cursor message.
			eligible = filterMessages(all, func(m *model.Message) bool { return cur.olderThan(m) })
		case Forward:
			// Strictly newer than the cursor message.
			eligible = filterMessages(all, func(m *model.Message) bool { return newerThan(cur, m) })
		default:
			return Page{}, fmt.Errorf("unknown direction %q", dir)
		}
	}

	var window []model.Message
	switch dir {
	case Backward:
		// The most recent `limit` of the eligible range, newest first.
		start := len(eligible) - limit
		if start < 0 {
			start = 0
		}
		window = reverseMessages(eligible[start:])
	case Forward:
		if len(eligible) > limit {
			eligible = eligible[:limit:limit]
		}
		window = append([]model.Message(nil), eligible...)
	default:
		return Page{}, fmt.Errorf("unknown direction %q", dir)
	}

	page := Page{Messages: window}
	if len(window) == 0 {
		return page, nil
	}

	oldest, newest := boundaries(window)
	page.NextCursor = encodeCursor(oldest)
	page.PrevCursor = encodeCursor(newest)

	switch dir {
	case Backward:
		page.HasMore = len(eligible) > len(window)
	case Forward:
		page.HasMore = countNewer(all, newest) > 0
	}
	return page, nil
}

func newerThan(c cursor, m *model.Message) bool {
	boundaryAt := time.Unix(0, c.createdAtNano)
	if !m.CreatedAt.Equal(boundaryAt) {
		return m.CreatedAt.After(boundaryAt)
	}
	return m.ID.String() > c.id
}

func filterMessages(msgs []model.Message, keep func(*model.Message) bool) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for i := range msgs {
		if keep(&msgs[i]) {
			out = append(out, msgs[i])
		}
	}
	return out
}

func reverseMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i := range msgs {
		out[len(msgs)-1-i] = msgs[i]
	}
	return out
}

// boundaries returns the oldest and newest message of a window regardless
// of its listing order.
func boundaries(window []model.Message) (oldest, newest *model.Message) {
	oldest, newest = &window[0], &window[0]
	for i := range window {
		if window[i].Before(oldest) {
			oldest = &window[i]
		}
		if newest.Before(&window[i]) {
			newest = &window[i]
		}
	}
	return oldest, newest
}

func countNewer(all []model.Message, boundary *model.Message) int {
	n := 0
	for i := range all {
		if boundary.Before(&all[i]) {
			n++
		}
	}
	return n
}
