package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Start ids for CreateGroup and Read.
const (
	// StartFromBeginning delivers every message already in the stream.
	StartFromBeginning = "0"
	// StartFromNew delivers only messages appended after the call.
	StartFromNew = "$"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrNoGroup is returned when reading from a group that does not exist.
	ErrNoGroup = errors.New("transport: no such consumer group")
	// ErrNoStream is returned by CreateGroup without MkStream on a missing stream.
	ErrNoStream = errors.New("transport: no such stream")
)

// TransportError wraps a backend failure with the operation and stream.
type TransportError struct {
	Op     string
	Stream string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Message is one stream entry.
type Message struct {
	ID     string
	Fields map[string]string
}

// StreamMessages groups messages read from one stream.
type StreamMessages struct {
	Stream   string
	Messages []Message
}

// StreamOffset names a stream and the id after which to read.
type StreamOffset struct {
	Stream  string
	AfterID string
}

// GroupQuery selects what ReadGroup returns.
type GroupQuery struct {
	Stream string
	// NewOnly reads never-delivered messages. When false the consumer's
	// own pending entries are replayed instead.
	NewOnly bool
}

// ReadOptions bounds a read.
type ReadOptions struct {
	Block time.Duration
	// Count caps the batch size. Zero means no cap.
	Count int64
}

// CreateGroupOptions configures CreateGroup.
type CreateGroupOptions struct {
	MkStream bool
}

// GroupInfo describes a consumer group.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
}

// Transport is the stream abstraction shared by the persona consumer, the
// retry coordinator and the abort drainer.
type Transport interface {
	// Append adds fields to stream and returns the new message id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// CreateGroup creates group on stream positioned at startID. An
	// existing group is not an error.
	CreateGroup(ctx context.Context, stream, group, startID string, opts CreateGroupOptions) error
	ReadGroup(ctx context.Context, group, consumer string, q GroupQuery, opts ReadOptions) ([]Message, error)
	Read(ctx context.Context, offsets []StreamOffset, opts ReadOptions) ([]StreamMessages, error)
	// Ack removes ids from the group's pending list and returns how many
	// were pending. Unknown ids are ignored.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	Len(ctx context.Context, stream string) (int64, error)
	Delete(ctx context.Context, stream string, ids ...string) (int64, error)
	// Range returns messages with start <= id <= end. "-" and "+" name the
	// stream ends. A non-positive count returns every match.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Message, error)
	ListGroups(ctx context.Context, stream string) ([]GroupInfo, error)
	DropGroup(ctx context.Context, stream, group string) (bool, error)
	Close() error
}
