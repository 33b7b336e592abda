// Package syncagent keeps a local copy of one page's block tree in step with
// the server. Local edits are applied at once and written back after a quiet
// period; edits from peers arrive over the collaboration socket.
package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"folio/api/internal/collab"

	"go.uber.org/zap"
)

var (
	ErrNotJoined    = errors.New("syncagent: page not joined")
	ErrUnknownBlock = errors.New("syncagent: unknown block")
	ErrStopped      = errors.New("syncagent: agent stopped")
)

const (
	DefaultDebounce   = time.Second
	DefaultRetryDelay = 2 * time.Second
)

type State int32

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "disconnected"
	}
}

// API is the slice of the REST surface the agent writes through.
type API interface {
	ListBlocks(ctx context.Context, pageID string) ([]Block, error)
	CreateBlock(ctx context.Context, pageID string, block NewBlock) (Block, error)
	UpdateBlock(ctx context.Context, blockID string, patch BlockPatch) (Block, error)
	DeleteBlock(ctx context.Context, blockID string) error
	ReorderBlocks(ctx context.Context, pageID string, positions []Position) ([]Block, error)
}

type Option func(*Agent)

func WithDebounce(d time.Duration) Option { return func(a *Agent) { a.debounce = d } }

func WithRetryDelay(d time.Duration) Option { return func(a *Agent) { a.retryDelay = d } }

// WithObserver is called from the agent loop for every inbound event after
// it has been applied.
func WithObserver(fn func(collab.Envelope)) Option { return func(a *Agent) { a.observe = fn } }

type pendingEdit struct {
	content json.RawMessage
	cursor  json.RawMessage
	gen     uint64
	timer   *time.Timer
}

type fire struct {
	blockID string
	gen     uint64
}

// Agent follows one page. All fields below the channels are owned by the
// Run goroutine.
type Agent struct {
	pageID     string
	api        API
	dialer     Dialer
	debounce   time.Duration
	retryDelay time.Duration
	observe    func(collab.Envelope)
	logger     *zap.Logger

	state atomic.Int32
	ops   chan func()
	fired chan fire
	done  chan struct{}

	conn    Conn
	blocks  []Block
	pending map[string]*pendingEdit
	gen     uint64
	typing  bool
}

func New(pageID string, api API, dialer Dialer, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		pageID:     pageID,
		api:        api,
		dialer:     dialer,
		debounce:   DefaultDebounce,
		retryDelay: DefaultRetryDelay,
		logger:     logger.Named("syncagent").With(zap.String("page_id", pageID)),
		ops:        make(chan func()),
		fired:      make(chan fire),
		done:       make(chan struct{}),
		pending:    make(map[string]*pendingEdit),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) {
	if State(a.state.Swap(int32(s))) != s {
		a.logger.Debug("state", zap.Stringer("state", s))
	}
}

// Run joins the page and keeps it joined, reconnecting with a full reload
// after transport loss. Cancelling ctx flushes pending edits, leaves the page
// and returns.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		var events <-chan collab.Envelope
		if a.conn != nil {
			events = a.conn.Events()
		}

		select {
		case <-ctx.Done():
			a.leave(ctx)
			return nil
		case <-retry.C:
			if err := a.join(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				a.logger.Warn("join failed", zap.Error(err), zap.Duration("retry_in", a.retryDelay))
				retry.Reset(a.retryDelay)
			}
		case env, ok := <-events:
			if !ok {
				a.lost()
				retry.Reset(a.retryDelay)
				continue
			}
			a.apply(env)
			if a.observe != nil {
				a.observe(env)
			}
		case f := <-a.fired:
			_ = a.flushBlock(ctx, f.blockID, f.gen)
		case op := <-a.ops:
			op()
		}
	}
}

// join dials, announces the page and reloads the whole tree. Events that
// arrive during the reload are applied after it.
func (a *Agent) join(ctx context.Context) error {
	a.setState(StateJoining)
	conn, err := a.dialer.Dial(ctx)
	if err != nil {
		a.setState(StateDisconnected)
		return err
	}
	if err := conn.Send(collab.EventJoinPage, a.pageID); err != nil {
		_ = conn.Close()
		a.setState(StateDisconnected)
		return err
	}
	blocks, err := a.api.ListBlocks(ctx, a.pageID)
	if err != nil {
		_ = conn.Close()
		a.setState(StateDisconnected)
		return err
	}

	a.conn = conn
	a.replace(blocks)
	a.setState(StateJoined)
	a.logger.Info("joined page", zap.Int("blocks", len(blocks)))
	return nil
}

func (a *Agent) lost() {
	a.logger.Warn("connection lost, rejoining", zap.Duration("retry_in", a.retryDelay))
	_ = a.conn.Close()
	a.conn = nil
	a.typing = false
	a.setState(StateDisconnected)
}

func (a *Agent) leave(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.flushAll(flushCtx); err != nil {
		a.logger.Warn("unsaved edits left on exit", zap.Int("blocks", len(a.pending)), zap.Error(err))
	}

	if a.conn == nil {
		a.setState(StateDisconnected)
		return
	}
	a.setState(StateLeaving)
	if err := a.conn.Send(collab.EventLeavePage, a.pageID); err != nil {
		a.logger.Debug("leave-page not sent", zap.Error(err))
	}
	_ = a.conn.Close()
	a.conn = nil
	a.setState(StateDisconnected)
	a.logger.Info("left page")
}

// send emits a room event; only a joined agent talks to the room.
func (a *Agent) send(event string, data any) {
	if a.State() != StateJoined || a.conn == nil {
		return
	}
	if err := a.conn.Send(event, data); err != nil {
		a.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}

// do runs fn on the agent loop and waits for its result.
func (a *Agent) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	op := func() { errc <- fn() }
	select {
	case a.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrStopped
	}
	return <-errc
}

func (a *Agent) index(blockID string) int {
	for i := range a.blocks {
		if a.blocks[i].ID == blockID {
			return i
		}
	}
	return -1
}

// replace swaps in a server list and lays unsaved local content back on top.
func (a *Agent) replace(blocks []Block) {
	a.blocks = append(a.blocks[:0:0], blocks...)
	for id, p := range a.pending {
		if i := a.index(id); i >= 0 {
			a.blocks[i].Content = p.content
		} else {
			p.timer.Stop()
			delete(a.pending, id)
		}
	}
}

// Blocks returns a copy of the local tree.
func (a *Agent) Blocks(ctx context.Context) ([]Block, error) {
	var out []Block
	err := a.do(ctx, func() error {
		out = append([]Block(nil), a.blocks...)
		return nil
	})
	return out, err
}

// Edit applies content locally and schedules the write. Rapid edits to the
// same block collapse into one write of the last content.
func (a *Agent) Edit(ctx context.Context, blockID string, content, cursor json.RawMessage) error {
	return a.do(ctx, func() error {
		if a.State() != StateJoined {
			return ErrNotJoined
		}
		i := a.index(blockID)
		if i < 0 {
			return ErrUnknownBlock
		}
		a.blocks[i].Content = content

		if !a.typing {
			a.typing = true
			a.send(collab.EventTypingStart, map[string]string{"pageId": a.pageID})
		}

		p, ok := a.pending[blockID]
		if !ok {
			p = &pendingEdit{}
			a.pending[blockID] = p
		} else {
			p.timer.Stop()
		}
		p.content = content
		p.cursor = cursor
		a.schedule(blockID, p, a.debounce)
		return nil
	})
}

// schedule arms the write for p under a fresh generation.
func (a *Agent) schedule(blockID string, p *pendingEdit, delay time.Duration) {
	a.gen++
	p.gen = a.gen
	f := fire{blockID: blockID, gen: p.gen}
	p.timer = time.AfterFunc(delay, func() {
		select {
		case a.fired <- f:
		case <-a.done:
		}
	})
}

// Flush writes every pending edit now. Edits that fail to save stay pending
// and the first failure is returned.
func (a *Agent) Flush(ctx context.Context) error {
	return a.do(ctx, func() error {
		return a.flushAll(ctx)
	})
}

func (a *Agent) flushAll(ctx context.Context) error {
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var first error
	for _, id := range ids {
		p, ok := a.pending[id]
		if !ok {
			continue
		}
		if err := a.flushBlock(ctx, id, p.gen); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// flushBlock persists one pending edit and then tells the room. Stale timer
// fires are ignored by generation. A failed write keeps the edit and retries
// after retryDelay, unless the server rejected it for good.
func (a *Agent) flushBlock(ctx context.Context, blockID string, gen uint64) error {
	p, ok := a.pending[blockID]
	if !ok || p.gen != gen {
		return nil
	}
	p.timer.Stop()

	updated, err := a.api.UpdateBlock(ctx, blockID, BlockPatch{Content: p.content})
	if err != nil {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == 404:
			a.logger.Warn("block gone before save, dropping edit", zap.String("block_id", blockID))
			delete(a.pending, blockID)
			a.removeBlock(blockID)
		case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 408 && apiErr.Status != 429:
			a.logger.Warn("save block rejected, dropping edit", zap.String("block_id", blockID), zap.Error(err))
			delete(a.pending, blockID)
		default:
			a.logger.Warn("save block failed", zap.String("block_id", blockID), zap.Error(err),
				zap.Duration("retry_in", a.retryDelay))
			a.schedule(blockID, p, a.retryDelay)
		}
	} else {
		delete(a.pending, blockID)
		if i := a.index(blockID); i >= 0 {
			a.blocks[i] = updated
		}
		a.send(collab.EventBlockUpdate, map[string]any{
			"pageId":  a.pageID,
			"blockId": blockID,
			"content": updated.Content,
			"type":    updated.Type,
			"cursor":  p.cursor,
		})
	}

	if len(a.pending) == 0 && a.typing {
		a.typing = false
		a.send(collab.EventTypingStop, map[string]string{"pageId": a.pageID})
	}
	return err
}

func (a *Agent) cancelPending(blockID string) {
	if p, ok := a.pending[blockID]; ok {
		p.timer.Stop()
		delete(a.pending, blockID)
	}
}

// CreateBlock persists a new block, appends it locally and announces it.
func (a *Agent) CreateBlock(ctx context.Context, block NewBlock) (Block, error) {
	var created Block
	err := a.do(ctx, func() error {
		if a.State() != StateJoined {
			return ErrNotJoined
		}
		var err error
		created, err = a.api.CreateBlock(ctx, a.pageID, block)
		if err != nil {
			return err
		}
		if a.index(created.ID) < 0 {
			a.blocks = append(a.blocks, created)
		}
		a.send(collab.EventBlockCreate, map[string]any{"pageId": a.pageID, "blockData": created})
		return nil
	})
	return created, err
}

func (a *Agent) DeleteBlock(ctx context.Context, blockID string) error {
	return a.do(ctx, func() error {
		if a.State() != StateJoined {
			return ErrNotJoined
		}
		if err := a.api.DeleteBlock(ctx, blockID); err != nil {
			return err
		}
		a.cancelPending(blockID)
		a.removeBlock(blockID)
		a.send(collab.EventBlockDelete, map[string]any{"pageId": a.pageID, "blockId": blockID})
		return nil
	})
}

// Reorder persists new positions and broadcasts the full resulting list.
func (a *Agent) Reorder(ctx context.Context, positions []Position) error {
	return a.do(ctx, func() error {
		if a.State() != StateJoined {
			return ErrNotJoined
		}
		blocks, err := a.api.ReorderBlocks(ctx, a.pageID, positions)
		if err != nil {
			return err
		}
		a.replace(blocks)
		// Peers get the saved tree; unsaved local content reaches them through block-update.
		a.send(collab.EventBlockReorder, map[string]any{"pageId": a.pageID, "blocks": blocks})
		return nil
	})
}

func (a *Agent) MoveCursor(ctx context.Context, cursor json.RawMessage) error {
	return a.do(ctx, func() error {
		if a.State() != StateJoined {
			return ErrNotJoined
		}
		a.send(collab.EventCursorMove, map[string]any{"pageId": a.pageID, "cursor": cursor})
		return nil
	})
}

// removeBlock drops a block and everything under it.
func (a *Agent) removeBlock(blockID string) {
	gone := map[string]bool{blockID: true}
	for changed := true; changed; {
		changed = false
		for _, b := range a.blocks {
			if b.ParentID != nil && gone[*b.ParentID] && !gone[b.ID] {
				gone[b.ID] = true
				changed = true
			}
		}
	}
	kept := a.blocks[:0]
	for _, b := range a.blocks {
		if gone[b.ID] {
			a.cancelPending(b.ID)
			continue
		}
		kept = append(kept, b)
	}
	a.blocks = kept
}

// apply folds one peer event into the local tree.
func (a *Agent) apply(env collab.Envelope) {
	switch env.Event {
	case collab.EventBlockUpdated:
		var p collab.BlockUpdatedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if _, editing := a.pending[p.BlockID]; editing {
			a.logger.Debug("ignoring remote update during local edit", zap.String("block_id", p.BlockID))
			return
		}
		i := a.index(p.BlockID)
		if i < 0 {
			return
		}
		if len(p.Content) > 0 {
			a.blocks[i].Content = p.Content
		}
		if p.Type != "" {
			a.blocks[i].Type = p.Type
		}
		a.blocks[i].LastModifiedBy = p.User.ID

	case collab.EventBlockCreated:
		var p collab.BlockCreatedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		var b Block
		if json.Unmarshal(p.BlockData, &b) != nil || b.ID == "" {
			return
		}
		if a.index(b.ID) < 0 {
			a.blocks = append(a.blocks, b)
		}

	case collab.EventBlockDeleted:
		var p collab.BlockDeletedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		a.cancelPending(p.BlockID)
		a.removeBlock(p.BlockID)

	case collab.EventBlocksReordered:
		var p struct {
			Blocks []Block `json:"blocks"`
		}
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		a.replace(p.Blocks)
	}
}
