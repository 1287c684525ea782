package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dealdesk/collab-sync/internal/auth"
	"github.com/dealdesk/collab-sync/internal/crdt"
	"github.com/dealdesk/collab-sync/internal/docstore"
)

const (
	opOpen     = "room.open"
	opApply    = "room.apply"
	opFlush    = "room.flush"
	opShutdown = "room.shutdown"

	fieldDocumentName = "document_name"
	fieldHandleID     = "handle_id"

	reasonMissingStore     = "missing_store"
	reasonMissingSessions  = "missing_sessions"
	reasonUnauthorized     = "unauthorized"
	reasonLoadFailed       = "load_failed"
	reasonCorruptState     = "corrupt_state"
	reasonInvalidUpdate    = "invalid_update"
	reasonHandleClosed     = "handle_closed"
	reasonStoreFailed      = "store_failed"
	reasonSlowConsumer     = "slow_consumer"
	reasonInvalidIdentity  = "invalid_identity"
)

const (
	// deliveryBufferSize bounds how far a subscriber may fall behind before
	// it is detached instead of stalling the room.
	deliveryBufferSize = 64

	defaultFlushInterval = 5 * time.Second
	flushBackoffBase     = time.Second
	flushBackoffCap      = time.Minute
)

var (
	// ErrUnauthorized indicates the join token failed validation. No room
	// state is created or modified when it is returned.
	ErrUnauthorized = errors.New("room: unauthorized")

	// ErrHandleClosed indicates an operation on a handle that already left.
	ErrHandleClosed = errors.New("room: handle closed")

	errMissingStore    = errors.New("state store is required")
	errMissingSessions = errors.New("token validator is required")

	noOpLogger = zap.NewNop()
)

// CoordinatorError carries an operation.reason code for room failures.
type CoordinatorError struct {
	code string
	err  error
}

func (e *CoordinatorError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *CoordinatorError) Code() string {
	return e.code
}

func newCoordinatorError(operation, reason string, cause error) error {
	return &CoordinatorError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StateStore is the durable boundary a coordinator flushes through.
// docstore.Adapter satisfies it.
type StateStore interface {
	Fetch(ctx context.Context, name docstore.DocumentName) ([]byte, error)
	Store(ctx context.Context, name docstore.DocumentName, state []byte) error
}

// TokenValidator admits or rejects join tokens. auth.SessionValidator
// satisfies it.
type TokenValidator interface {
	ValidateToken(tokenString string) (auth.SessionClaims, error)
}

// Identity is the validated principal attached to a handle.
type Identity struct {
	UserID   string
	UserName string
	Role     string
}

// Handle is one subscriber's attachment to a room. Updates applied by other
// handles arrive on Deliveries in room application order.
type Handle struct {
	id       string
	document docstore.DocumentName
	identity Identity
	snapshot []byte
	delivery chan []byte
	room     *room
}

// ID returns the unique attachment identifier.
func (h *Handle) ID() string {
	return h.id
}

// DocumentName returns the room key this handle is attached to.
func (h *Handle) DocumentName() docstore.DocumentName {
	return h.document
}

// Identity returns the validated principal behind this handle.
func (h *Handle) Identity() Identity {
	return h.identity
}

// State returns the serialized room state captured at admission. New joiners
// replay it before consuming deliveries.
func (h *Handle) State() []byte {
	return h.snapshot
}

// Deliveries returns the channel carrying updates from other handles. The
// coordinator closes it when the handle is detached.
func (h *Handle) Deliveries() <-chan []byte {
	return h.delivery
}

// room is the single authoritative state for one document name. All access
// goes through mu; the coordinator never exposes the document itself.
type room struct {
	name docstore.DocumentName

	mu       sync.Mutex
	doc      *crdt.Document
	handles  map[string]*Handle
	dirty    bool
	revision uint64

	failedFlushes int
	nextFlushAt   time.Time
}

// CoordinatorConfig describes the dependencies for the room coordinator.
type CoordinatorConfig struct {
	Store         StateStore
	Sessions      TokenValidator
	Clock         func() time.Time
	Logger        *zap.Logger
	FlushInterval time.Duration
}

// Coordinator owns the registry of live rooms. Exactly one room exists per
// document name at any time; rooms are loaded on first join and evicted after
// the last leave once their state is durable.
type Coordinator struct {
	store         StateStore
	sessions      TokenValidator
	clock         func() time.Time
	logger        *zap.Logger
	flushInterval time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newCoordinatorError("room.coordinator.new", reasonMissingStore, errMissingStore)
	}
	if cfg.Sessions == nil {
		return nil, newCoordinatorError("room.coordinator.new", reasonMissingSessions, errMissingSessions)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Coordinator{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		clock:         clock,
		logger:        logger,
		flushInterval: flushInterval,
		rooms:         map[string]*room{},
	}, nil
}

// Open validates the token, attaches a new handle to the room for the
// document name, and returns it. The first join loads durable state through
// the store; a load failure is returned to the caller and no room is created.
func (c *Coordinator) Open(ctx context.Context, name docstore.DocumentName, token string) (*Handle, error) {
	claims, err := c.sessions.ValidateToken(token)
	if err != nil {
		return nil, newCoordinatorError(opOpen, reasonUnauthorized, errors.Join(ErrUnauthorized, err))
	}
	if claims.UserID == "" {
		return nil, newCoordinatorError(opOpen, reasonInvalidIdentity, ErrUnauthorized)
	}

	// Attachment happens under the registry lock so a concurrent last-close
	// cannot evict the room between lookup and attach.
	c.mu.Lock()
	activeRoom, err := c.lockedRoomFor(ctx, name)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	handle := &Handle{
		id:       uuid.NewString(),
		document: name,
		identity: Identity{
			UserID:   claims.UserID,
			UserName: claims.UserName,
			Role:     claims.Role,
		},
		delivery: make(chan []byte, deliveryBufferSize),
		room:     activeRoom,
	}

	activeRoom.mu.Lock()
	handle.snapshot = activeRoom.doc.Serialize()
	activeRoom.handles[handle.id] = handle
	activeRoom.mu.Unlock()
	c.mu.Unlock()

	c.logger.Debug("room handle opened",
		zap.String(fieldDocumentName, name.String()),
		zap.String(fieldHandleID, handle.id),
		zap.String("user_id", handle.identity.UserID),
	)
	return handle, nil
}

// Apply merges an update into the handle's room. Duplicate frames are dropped
// without effect; new frames mark the room dirty and are delivered to every
// other attached handle in application order.
func (c *Coordinator) Apply(handle *Handle, update []byte) error {
	activeRoom := handle.room

	activeRoom.mu.Lock()
	defer activeRoom.mu.Unlock()

	if _, attached := activeRoom.handles[handle.id]; !attached {
		return newCoordinatorError(opApply, reasonHandleClosed, ErrHandleClosed)
	}

	applied, err := activeRoom.doc.Apply(update)
	if err != nil {
		return newCoordinatorError(opApply, reasonInvalidUpdate, err)
	}
	if !applied {
		return nil
	}
	activeRoom.dirty = true
	activeRoom.revision++

	for handleID, subscriber := range activeRoom.handles {
		if handleID == handle.id {
			continue
		}
		select {
		case subscriber.delivery <- update:
		default:
			delete(activeRoom.handles, handleID)
			close(subscriber.delivery)
			c.logger.Warn("room subscriber detached",
				zap.String("operation", opApply),
				zap.String("reason", reasonSlowConsumer),
				zap.String(fieldDocumentName, activeRoom.name.String()),
				zap.String(fieldHandleID, handleID),
			)
		}
	}
	return nil
}

// Close detaches the handle. When the last handle leaves a dirty room the
// state is flushed before the room is evicted; a failed flush keeps the room
// registered so the background flusher can retry, and the error is returned.
func (c *Coordinator) Close(ctx context.Context, handle *Handle) error {
	activeRoom := handle.room

	activeRoom.mu.Lock()
	if _, attached := activeRoom.handles[handle.id]; !attached {
		activeRoom.mu.Unlock()
		return nil
	}
	delete(activeRoom.handles, handle.id)
	close(handle.delivery)
	remaining := len(activeRoom.handles)
	dirty := activeRoom.dirty
	activeRoom.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if dirty {
		if err := c.flushRoom(ctx, activeRoom); err != nil {
			return err
		}
	}
	c.evictIfIdle(activeRoom)
	return nil
}

// Run drives the background flusher until the context is cancelled. Dirty
// rooms are flushed at the configured interval with per-room backoff after
// store failures; clean rooms without handles are evicted.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushPass(ctx)
		}
	}
}

// Shutdown flushes every dirty room once. It is called on process exit after
// Run has stopped; failures are joined and returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var flushErr error
	for _, activeRoom := range c.snapshotRooms() {
		activeRoom.mu.Lock()
		dirty := activeRoom.dirty
		activeRoom.mu.Unlock()
		if !dirty {
			continue
		}
		if err := c.flushRoom(ctx, activeRoom); err != nil {
			flushErr = errors.Join(flushErr, err)
		}
	}
	if flushErr != nil {
		return newCoordinatorError(opShutdown, reasonStoreFailed, flushErr)
	}
	return nil
}

// RoomCount reports how many rooms are currently registered.
func (c *Coordinator) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// lockedRoomFor returns the registered room for the name, loading durable
// state on first use. The caller must hold c.mu.
func (c *Coordinator) lockedRoomFor(ctx context.Context, name docstore.DocumentName) (*room, error) {
	if existing, ok := c.rooms[name.String()]; ok {
		return existing, nil
	}

	blob, err := c.store.Fetch(ctx, name)
	if err != nil {
		return nil, newCoordinatorError(opOpen, reasonLoadFailed, err)
	}
	doc := crdt.NewDocument()
	if len(blob) > 0 {
		doc, err = crdt.LoadDocument(blob)
		if err != nil {
			c.logError(opOpen, reasonCorruptState, err, zap.String(fieldDocumentName, name.String()))
			return nil, newCoordinatorError(opOpen, reasonCorruptState, err)
		}
	}

	created := &room{
		name:    name,
		doc:     doc,
		handles: map[string]*Handle{},
	}
	c.rooms[name.String()] = created
	return created, nil
}

func (c *Coordinator) flushPass(ctx context.Context) {
	now := c.clock()
	for _, activeRoom := range c.snapshotRooms() {
		activeRoom.mu.Lock()
		due := activeRoom.dirty && !now.Before(activeRoom.nextFlushAt)
		activeRoom.mu.Unlock()
		if due {
			_ = c.flushRoom(ctx, activeRoom)
		}
		c.evictIfIdle(activeRoom)
	}
}

// flushRoom serializes under the room lock, writes outside it, and clears the
// dirty flag only when no newer revision arrived during the write. In-memory
// state is never rolled back on a store failure.
func (c *Coordinator) flushRoom(ctx context.Context, activeRoom *room) error {
	activeRoom.mu.Lock()
	if !activeRoom.dirty {
		activeRoom.mu.Unlock()
		return nil
	}
	blob := activeRoom.doc.Serialize()
	revision := activeRoom.revision
	activeRoom.mu.Unlock()

	if err := c.store.Store(ctx, activeRoom.name, blob); err != nil {
		activeRoom.mu.Lock()
		activeRoom.failedFlushes++
		activeRoom.nextFlushAt = c.clock().Add(flushBackoff(activeRoom.failedFlushes))
		activeRoom.mu.Unlock()
		c.logError(opFlush, reasonStoreFailed, err,
			zap.String(fieldDocumentName, activeRoom.name.String()),
			zap.Int("failed_flushes", activeRoom.failedFlushes),
		)
		return newCoordinatorError(opFlush, reasonStoreFailed, err)
	}

	activeRoom.mu.Lock()
	if activeRoom.revision == revision {
		activeRoom.dirty = false
	}
	activeRoom.failedFlushes = 0
	activeRoom.nextFlushAt = time.Time{}
	activeRoom.mu.Unlock()
	return nil
}

func (c *Coordinator) evictIfIdle(activeRoom *room) {
	c.mu.Lock()
	defer c.mu.Unlock()

	activeRoom.mu.Lock()
	idle := len(activeRoom.handles) == 0 && !activeRoom.dirty
	activeRoom.mu.Unlock()

	if idle {
		delete(c.rooms, activeRoom.name.String())
	}
}

func (c *Coordinator) snapshotRooms() []*room {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, activeRoom := range c.rooms {
		rooms = append(rooms, activeRoom)
	}
	return rooms
}

func flushBackoff(failedFlushes int) time.Duration {
	backoff := flushBackoffBase
	for attempt := 1; attempt < failedFlushes; attempt++ {
		backoff *= 2
		if backoff >= flushBackoffCap {
			return flushBackoffCap
		}
	}
	return backoff
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("room error", attrs...)
}
