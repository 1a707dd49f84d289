package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryTransport is an in-process Transport. Blocking reads poll the
// stream store every poll interval until data arrives, the block elapses,
// the context is cancelled or the transport is closed.
type MemoryTransport struct {
	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool

	opts   options
	logger *zap.Logger
}

// memStream keeps entries in id order, so reads start from a binary search
// instead of rescanning trimmed or delivered history.
type memStream struct {
	entries []memEntry
	lastID  streamID
	groups  map[string]*memGroup
}

// after returns the index of the first entry with an id greater than id.
func (s *memStream) after(id streamID) int {
	return sort.Search(len(s.entries), func(i int) bool { return id.less(s.entries[i].id) })
}

// from returns the index of the first entry with an id not less than id.
func (s *memStream) from(id streamID) int {
	return sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].id.less(id) })
}

// trim drops the oldest entries beyond maxLen. Pending entries of trimmed
// messages stay until acked, as in Redis.
func (s *memStream) trim(maxLen int64) {
	if maxLen <= 0 || int64(len(s.entries)) <= maxLen {
		return
	}
	drop := len(s.entries) - int(maxLen)
	clear(s.entries[:drop])
	s.entries = s.entries[drop:]
}

type memEntry struct {
	id     streamID
	fields map[string]string
}

type memGroup struct {
	lastDelivered streamID
	pending       map[streamID]*pendingEntry
	consumers     map[string]struct{}
}

type pendingEntry struct {
	consumer   string
	deliveries int64
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport(opts ...Option) *MemoryTransport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryTransport{
		streams: make(map[string]*memStream),
		opts:    o,
		logger:  o.logger.With(zap.String("component", "transport"), zap.String("backend", "memory")),
	}
}

func (m *MemoryTransport) observe(op string, start time.Time, err error) {
	m.opts.collector.RecordTransportOp("memory", op, err, time.Since(start))
}

func (m *MemoryTransport) stream(name string, create bool) *memStream {
	s, ok := m.streams[name]
	if !ok && create {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

// Append implements Transport.
func (m *MemoryTransport) Append(ctx context.Context, stream string, fields map[string]string) (id string, err error) {
	start := time.Now()
	defer func() { m.observe("append", start, err) }()
	if err = ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	s := m.stream(stream, true)
	next := nextID(s.lastID, uint64(m.opts.now().UnixMilli()))
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, memEntry{id: next, fields: copied})
	s.lastID = next
	s.trim(m.opts.maxLen)
	return next.String(), nil
}

// CreateGroup implements Transport.
func (m *MemoryTransport) CreateGroup(ctx context.Context, stream, group, startID string, opts CreateGroupOptions) (err error) {
	start := time.Now()
	defer func() { m.observe("create_group", start, err) }()
	if err = ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	s := m.stream(stream, opts.MkStream)
	if s == nil {
		return &TransportError{Op: "create_group", Stream: stream, Err: ErrNoStream}
	}
	if _, exists := s.groups[group]; exists {
		m.logger.Debug("consumer group already exists",
			zap.String("stream", stream),
			zap.String("group", group),
		)
		return nil
	}

	var cursor streamID
	switch startID {
	case StartFromNew:
		cursor = s.lastID
	case "", StartFromBeginning:
	default:
		cursor, err = parseID(startID, false)
		if err != nil {
			return &TransportError{Op: "create_group", Stream: stream, Err: err}
		}
	}

	s.groups[group] = &memGroup{
		lastDelivered: cursor,
		pending:       make(map[streamID]*pendingEntry),
		consumers:     make(map[string]struct{}),
	}
	return nil
}

// ReadGroup implements Transport.
func (m *MemoryTransport) ReadGroup(ctx context.Context, group, consumer string, q GroupQuery, opts ReadOptions) (msgs []Message, err error) {
	start := time.Now()
	defer func() { m.observe("read_group", start, err) }()

	var deadline time.Time
	if opts.Block > 0 {
		deadline = time.Now().Add(opts.Block)
	}

	for {
		msgs, err = m.tryReadGroup(group, consumer, q, opts.Count)
		if err != nil || len(msgs) > 0 || !q.NewOnly || deadline.IsZero() {
			return msgs, err
		}
		if err = m.wait(ctx, deadline); err != nil {
			if errors.Is(err, errDeadline) {
				return nil, nil
			}
			return nil, err
		}
	}
}

func (m *MemoryTransport) tryReadGroup(group, consumer string, q GroupQuery, count int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := m.stream(q.Stream, false)
	if s == nil {
		return nil, &TransportError{Op: "read_group", Stream: q.Stream, Err: ErrNoGroup}
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, &TransportError{Op: "read_group", Stream: q.Stream, Err: ErrNoGroup}
	}
	g.consumers[consumer] = struct{}{}

	var out []Message
	if q.NewOnly {
		for _, e := range s.entries[s.after(g.lastDelivered):] {
			if count > 0 && int64(len(out)) >= count {
				break
			}
			out = append(out, e.message())
			g.lastDelivered = e.id
			g.pending[e.id] = &pendingEntry{consumer: consumer, deliveries: 1}
		}
		return out, nil
	}

	own := make([]streamID, 0, len(g.pending))
	for id, p := range g.pending {
		if p.consumer == consumer {
			own = append(own, id)
		}
	}
	sort.Slice(own, func(i, j int) bool { return own[i].less(own[j]) })
	for _, id := range own {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		i := s.from(id)
		if i == len(s.entries) || s.entries[i].id != id {
			continue
		}
		g.pending[id].deliveries++
		out = append(out, s.entries[i].message())
	}
	return out, nil
}

// Read implements Transport.
func (m *MemoryTransport) Read(ctx context.Context, offsets []StreamOffset, opts ReadOptions) (out []StreamMessages, err error) {
	start := time.Now()
	defer func() { m.observe("read", start, err) }()

	var after []streamID
	after, err = m.resolveOffsets(offsets)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if opts.Block > 0 {
		deadline = time.Now().Add(opts.Block)
	}

	for {
		out, err = m.tryRead(offsets, after, opts.Count)
		if err != nil || len(out) > 0 || deadline.IsZero() {
			return out, err
		}
		if err = m.wait(ctx, deadline); err != nil {
			if errors.Is(err, errDeadline) {
				return nil, nil
			}
			return nil, err
		}
	}
}

// resolveOffsets pins "$" to the current tail so later appends are seen.
func (m *MemoryTransport) resolveOffsets(offsets []StreamOffset) ([]streamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	after := make([]streamID, len(offsets))
	for i, off := range offsets {
		if off.AfterID == StartFromNew {
			if s := m.stream(off.Stream, false); s != nil {
				after[i] = s.lastID
			}
			continue
		}
		id, err := parseID(off.AfterID, false)
		if err != nil {
			return nil, &TransportError{Op: "read", Stream: off.Stream, Err: err}
		}
		after[i] = id
	}
	return after, nil
}

func (m *MemoryTransport) tryRead(offsets []StreamOffset, after []streamID, count int64) ([]StreamMessages, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []StreamMessages
	for i, off := range offsets {
		s := m.stream(off.Stream, false)
		if s == nil {
			continue
		}
		var msgs []Message
		for _, e := range s.entries[s.after(after[i]):] {
			if count > 0 && int64(len(msgs)) >= count {
				break
			}
			msgs = append(msgs, e.message())
		}
		if len(msgs) > 0 {
			out = append(out, StreamMessages{Stream: off.Stream, Messages: msgs})
		}
	}
	return out, nil
}

// Ack implements Transport.
func (m *MemoryTransport) Ack(ctx context.Context, stream, group string, ids ...string) (n int64, err error) {
	start := time.Now()
	defer func() { m.observe("ack", start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	s := m.stream(stream, false)
	if s == nil {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	for _, raw := range ids {
		id, err := parseID(raw, false)
		if err != nil {
			return n, &TransportError{Op: "ack", Stream: stream, Err: err}
		}
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// Len implements Transport.
func (m *MemoryTransport) Len(ctx context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if s := m.stream(stream, false); s != nil {
		return int64(len(s.entries)), nil
	}
	return 0, nil
}

// Delete implements Transport.
func (m *MemoryTransport) Delete(ctx context.Context, stream string, ids ...string) (n int64, err error) {
	start := time.Now()
	defer func() { m.observe("delete", start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	s := m.stream(stream, false)
	if s == nil {
		return 0, nil
	}
	drop := make(map[streamID]struct{}, len(ids))
	for _, raw := range ids {
		id, err := parseID(raw, false)
		if err != nil {
			return 0, &TransportError{Op: "delete", Stream: stream, Err: err}
		}
		drop[id] = struct{}{}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := drop[e.id]; ok {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Range implements Transport.
func (m *MemoryTransport) Range(ctx context.Context, stream, start, end string, count int64) ([]Message, error) {
	lo, err := parseID(start, false)
	if err != nil {
		return nil, &TransportError{Op: "range", Stream: stream, Err: err}
	}
	hi, err := parseID(end, true)
	if err != nil {
		return nil, &TransportError{Op: "range", Stream: stream, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := m.stream(stream, false)
	if s == nil {
		return nil, nil
	}
	var out []Message
	for _, e := range s.entries[s.from(lo):] {
		if hi.less(e.id) {
			break
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, e.message())
	}
	return out, nil
}

// ListGroups implements Transport. Groups are sorted by name.
func (m *MemoryTransport) ListGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := m.stream(stream, false)
	if s == nil {
		return nil, nil
	}
	out := make([]GroupInfo, 0, len(s.groups))
	for name, g := range s.groups {
		out = append(out, GroupInfo{
			Name:            name,
			Consumers:       int64(len(g.consumers)),
			Pending:         int64(len(g.pending)),
			LastDeliveredID: g.lastDelivered.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DropGroup implements Transport.
func (m *MemoryTransport) DropGroup(ctx context.Context, stream, group string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	s := m.stream(stream, false)
	if s == nil {
		return false, nil
	}
	if _, ok := s.groups[group]; !ok {
		return false, nil
	}
	delete(s.groups, group)
	return true, nil
}

// Close implements Transport. Blocked readers return ErrClosed.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// pendingCount reports the pending entries of group, for tests.
func (m *MemoryTransport) pendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream, false)
	if s == nil {
		return 0
	}
	if g, ok := s.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

var errDeadline = errors.New("transport: block elapsed")

// wait sleeps one poll interval, bounded by deadline and ctx.
func (m *MemoryTransport) wait(ctx context.Context, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errDeadline
	}
	d := m.opts.pollInterval
	if remaining < d {
		d = remaining
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e memEntry) message() Message {
	fields := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return Message{ID: e.id.String(), Fields: fields}
}
