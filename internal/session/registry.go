// ABOUTME: Durable session registry: create/switch/resolve/patch/delete ops
// ABOUTME: Owns per-session single-writer locking and revision bookkeeping

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltis/gateway/internal/broadcast"
	"github.com/moltis/gateway/internal/protocol"
	"github.com/moltis/gateway/internal/store"
)

// MainKey is the default, permanent session. It is created on first use and
// can never be deleted.
const MainKey = "main"

var (
	// ErrGenerationInProgress means a chat-send raced an active generation
	// run on the same session. The caller is rejected, never queued.
	ErrGenerationInProgress = errors.New("generation in progress")

	// ErrSessionBusy means a delete arrived while a generation run is
	// active. Deletes never interleave with an active write.
	ErrSessionBusy = errors.New("session busy")

	// ErrMainUndeletable guards the permanent session.
	ErrMainUndeletable = errors.New("the main session cannot be deleted")

	// ErrDirtyWorktree means the session has uncommitted working-tree
	// changes and delete was called without force.
	ErrDirtyWorktree = errors.New("session worktree has uncommitted changes")

	// ErrInvalidKey rejects keys outside "main" / "session:<uuid>".
	ErrInvalidKey = errors.New("invalid session key")
)

// WorktreeChecker reports whether a session's associated worktree branch has
// uncommitted changes. The real implementation lives with the project/worktree
// collaborator; a nil checker treats every session as clean.
type WorktreeChecker interface {
	HasUncommittedChanges(ctx context.Context, branch string) (bool, error)
}

// NewKey returns a fresh non-main session key.
func NewKey() string {
	return "session:" + uuid.New().String()
}

// ValidKey reports whether key is "main" or a "session:<uuid>" key.
func ValidKey(key string) bool {
	if key == MainKey {
		return true
	}
	rest, ok := strings.CutPrefix(key, "session:")
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// sessionLock serializes writes to one session and carries the
// active-generation flag covered by the same lock.
type sessionLock struct {
	mu         sync.Mutex
	generating bool
}

// Registry is the durable map of session key to conversation state. All
// mutations go through here so every change bumps the revision and emits a
// session lifecycle event.
type Registry struct {
	store    store.Store
	events   *broadcast.Broadcaster
	worktree WorktreeChecker
	logger   *slog.Logger

	defaultModel string

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// New creates a Registry. events may be nil in tests; worktree may be nil
// when no worktree collaborator is configured.
func New(s store.Store, events *broadcast.Broadcaster, worktree WorktreeChecker, defaultModel string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        s,
		events:       events,
		worktree:     worktree,
		defaultModel: defaultModel,
		logger:       logger.With("component", "sessions"),
		locks:        make(map[string]*sessionLock),
	}
}

func (r *Registry) lockFor(key string) *sessionLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sessionLock{}
		r.locks[key] = l
	}
	return l
}

// CreateOrGet returns the session for key, creating it on first reference.
func (r *Registry) CreateOrGet(ctx context.Context, key string) (*store.Session, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.createOrGetLocked(ctx, key)
}

func (r *Registry) createOrGetLocked(ctx context.Context, key string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := time.Now().UTC()
	label := key
	if key == MainKey {
		label = "Main"
	}
	sess = &store.Session{
		Key:       key,
		Label:     label,
		Model:     r.defaultModel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Info("session created", "session_key", key)
	r.emit(protocol.SessionCreated, sess)
	return sess, nil
}

// Resolve returns a snapshot of the session entry without touching history.
func (r *Registry) Resolve(ctx context.Context, key string) (*store.Session, error) {
	return r.store.GetSession(ctx, key)
}

// List returns snapshots of all sessions ordered by recent activity.
func (r *Registry) List(ctx context.Context) ([]*store.Session, error) {
	return r.store.ListSessions(ctx)
}

// Switch returns the full entry plus the ordered history. This is the single
// source of truth a newly-attached view replays; no delta replay exists.
// Switching clears the unread flag and optionally rebinds the project.
func (r *Registry) Switch(ctx context.Context, key, project string) (*store.Session, []*store.Message, error) {
	if !ValidKey(key) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := r.createOrGetLocked(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	changed := false
	if sess.Unread {
		sess.Unread = false
		changed = true
	}
	if project != "" && project != sess.Project {
		sess.Project = project
		changed = true
	}
	if changed {
		if err := r.saveLocked(ctx, sess); err != nil {
			return nil, nil, err
		}
		r.emit(protocol.SessionUpdated, sess)
	}

	history, err := r.store.GetMessages(ctx, key, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("loading history: %w", err)
	}
	return sess, history, nil
}

// Patch carries the mutable fields of a session entry. Nil pointers leave
// the field untouched.
type Patch struct {
	Label          *string
	Model          *string
	Project        *string
	Channel        *string
	WorktreeBranch *string
	Unread         *bool
}

// ApplyPatch updates the named fields, bumps the revision, and emits a
// session event so other connections refresh their view.
func (r *Registry) ApplyPatch(ctx context.Context, key string, p Patch) (*store.Session, error) {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := r.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}

	if p.Label != nil {
		sess.Label = *p.Label
	}
	if p.Model != nil {
		sess.Model = *p.Model
	}
	if p.Project != nil {
		sess.Project = *p.Project
	}
	if p.Channel != nil {
		sess.Channel = *p.Channel
	}
	if p.WorktreeBranch != nil {
		sess.WorktreeBranch = *p.WorktreeBranch
	}
	if p.Unread != nil {
		sess.Unread = *p.Unread
	}

	if err := r.saveLocked(ctx, sess); err != nil {
		return nil, err
	}
	r.emit(protocol.SessionUpdated, sess)
	return sess, nil
}

// Delete removes a session and its history. It fails with ErrDirtyWorktree
// when the session has uncommitted worktree changes and force is unset, with
// ErrMainUndeletable for the main session, and with ErrSessionBusy while a
// generation run is active.
func (r *Registry) Delete(ctx context.Context, key string, force bool) error {
	if key == MainKey {
		return ErrMainUndeletable
	}

	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.generating {
		return ErrSessionBusy
	}

	sess, err := r.store.GetSession(ctx, key)
	if err != nil {
		return err
	}

	if !force && r.worktree != nil && sess.WorktreeBranch != "" {
		dirty, err := r.worktree.HasUncommittedChanges(ctx, sess.WorktreeBranch)
		if err != nil {
			return fmt.Errorf("checking worktree: %w", err)
		}
		if dirty {
			return ErrDirtyWorktree
		}
	}

	if err := r.store.DeleteSession(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.locks, key)
	r.mu.Unlock()

	r.logger.Info("session deleted", "session_key", key, "force", force)
	r.emit(protocol.SessionDeleted, sess)
	return nil
}

// History returns the committed history for a session in append order. The
// session lock guarantees the snapshot never includes a partially-streamed
// assistant message.
func (r *Registry) History(ctx context.Context, key string) ([]*store.Message, error) {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.store.GetMessages(ctx, key, 0)
}

// ClearHistory deletes all messages for a session and resets its counters.
func (r *Registry) ClearHistory(ctx context.Context, key string) (*store.Session, error) {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.generating {
		return nil, ErrSessionBusy
	}

	sess, err := r.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteMessages(ctx, key); err != nil {
		return nil, err
	}
	sess.MessageCount = 0
	sess.Unread = false
	if err := r.saveLocked(ctx, sess); err != nil {
		return nil, err
	}
	r.emit(protocol.SessionCleared, sess)
	return sess, nil
}

// AppendMessage commits one message to history and bumps the message count.
// History is append-only; callers never mutate a committed message.
func (r *Registry) AppendMessage(ctx context.Context, key string, msg *store.Message) error {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := r.store.GetSession(ctx, key)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionKey = key

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return err
	}

	sess.MessageCount++
	if err := r.saveLocked(ctx, sess); err != nil {
		return err
	}
	r.emit(protocol.SessionUpdated, sess)
	return nil
}

// BeginGeneration claims the single-writer generation slot for a session.
// A second claim before EndGeneration fails with ErrGenerationInProgress.
func (r *Registry) BeginGeneration(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.generating {
		return ErrGenerationInProgress
	}

	sess, err := r.createOrGetLocked(ctx, key)
	if err != nil {
		return err
	}

	l.generating = true
	r.emitReplying(sess, true)
	return nil
}

// EndGeneration releases the generation slot. Safe to call once per
// BeginGeneration from any goroutine.
func (r *Registry) EndGeneration(ctx context.Context, key string) {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.generating {
		return
	}
	l.generating = false

	sess, err := r.store.GetSession(ctx, key)
	if err != nil {
		r.logger.Warn("ending generation on missing session", "session_key", key, "error", err)
		return
	}
	r.emitReplying(sess, false)
}

// Generating reports whether a generation run currently owns the session.
func (r *Registry) Generating(key string) bool {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generating
}

// saveLocked bumps the revision and persists. Callers hold the session lock.
func (r *Registry) saveLocked(ctx context.Context, sess *store.Session) error {
	sess.Revision++
	sess.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Snapshot converts a stored session into its client-visible form.
// The replying flag reflects the registry's live generation state.
func (r *Registry) Snapshot(sess *store.Session) *protocol.SessionInfo {
	return &protocol.SessionInfo{
		Key:            sess.Key,
		Label:          sess.Label,
		Model:          sess.Model,
		Project:        sess.Project,
		Channel:        sess.Channel,
		WorktreeBranch: sess.WorktreeBranch,
		Replying:       r.Generating(sess.Key),
		Unread:         sess.Unread,
		MessageCount:   sess.MessageCount,
		Revision:       sess.Revision,
		UpdatedAt:      sess.UpdatedAt,
	}
}

func (r *Registry) emit(kind string, sess *store.Session) {
	if r.events == nil {
		return
	}
	frame, err := protocol.NewEvent(protocol.EventSession, &protocol.SessionEvent{
		Kind:    kind,
		Session: r.Snapshot(sess),
	})
	if err != nil {
		r.logger.Error("encoding session event", "error", err)
		return
	}
	r.events.PublishAll(frame)
}

// emitReplying is called with the session lock held, so it builds the
// snapshot inline instead of going back through Generating.
func (r *Registry) emitReplying(sess *store.Session, replying bool) {
	if r.events == nil {
		return
	}
	info := &protocol.SessionInfo{
		Key:            sess.Key,
		Label:          sess.Label,
		Model:          sess.Model,
		Project:        sess.Project,
		Channel:        sess.Channel,
		WorktreeBranch: sess.WorktreeBranch,
		Replying:       replying,
		Unread:         sess.Unread,
		MessageCount:   sess.MessageCount,
		Revision:       sess.Revision,
		UpdatedAt:      sess.UpdatedAt,
	}
	frame, err := protocol.NewEvent(protocol.EventSession, &protocol.SessionEvent{
		Kind:    protocol.SessionUpdated,
		Session: info,
	})
	if err != nil {
		r.logger.Error("encoding session event", "error", err)
		return
	}
	r.events.PublishAll(frame)
}
