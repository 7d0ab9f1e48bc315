// Package retention manages the extended-retention side area: object-lock
// protected copies of individual files that must outlive their shard's normal
// lifecycle. Reads consult this area before any shard.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/metrics"
	"github.com/datavision/easystore/retrieve"
)

// ErrPastDueDate rejects retention dates that are not in the future.
var ErrPastDueDate = errors.New("due_date must be in the future")

// Action says what a retention-policy call did.
type Action string

const (
	// ActionMoved means the payload was copied into the extended-retention
	// area and locked.
	ActionMoved Action = "moved"
	// ActionUpdated means an existing copy had its lock date refreshed.
	ActionUpdated Action = "updated"
)

// Result describes one retention-policy outcome; it is returned verbatim on
// the HTTP surface.
type Result struct {
	UID            string    `json:"uid"`
	Key            string    `json:"key"`
	Location       string    `json:"location"`
	RetentionUntil time.Time `json:"retention_until"`
	Action         Action    `json:"action"`
}

// FileSource reads a file's payload from primary storage. The retrieve
// package's Retriever satisfies it.
type FileSource interface {
	Get(ctx context.Context, uid string, createdAt time.Time) ([]byte, error)
}

// Manager copies files into the extended-retention prefix and maintains their
// object-lock dates.
type Manager struct {
	store  blobstore.Store
	prefix string
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager writing under prefix; empty means the
// conventional extended-retention prefix.
func NewManager(store blobstore.Store, prefix string, opts ...Option) *Manager {
	if prefix == "" {
		prefix = retrieve.DefaultExtPrefix
	}
	m := &Manager{store: store, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRetentionPolicy ensures (uid, createdAt) is held in the extended
// retention area until at least dueDate. An existing copy only has its lock
// refreshed; otherwise the payload is read from primary storage via src,
// copied, and locked.
func (m *Manager) SetRetentionPolicy(ctx context.Context, uid string, createdAt, dueDate time.Time, src FileSource) (*Result, error) {
	until := dueDate.UTC()
	if !until.After(m.now().UTC()) {
		return nil, ErrPastDueDate
	}
	ts := createdAt.UTC()
	key := retrieve.BuildExtKey(m.prefix, uid, ts)

	_, err := m.store.Head(ctx, key)
	switch {
	case err == nil:
		if err := m.setLock(ctx, key, until); err != nil {
			return nil, err
		}
		metrics.ExtRetentionUpdatesTotal.Inc()
		klog.Infof("updated retention for %s until %s", key, until.Format(time.RFC3339))
		return m.result(uid, key, until, ActionUpdated), nil
	case errors.Is(err, blobstore.ErrNotFound):
		// Fall through to the copy path.
	default:
		return nil, err
	}

	data, err := src.Get(ctx, uid, ts)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to copy %q into extended retention: %w", uid, err)
	}
	if err := m.setLock(ctx, key, until); err != nil {
		return nil, err
	}
	metrics.ExtRetentionMovesTotal.Inc()
	klog.Infof("moved %s to extended retention until %s", key, until.Format(time.RFC3339))
	return m.result(uid, key, until, ActionMoved), nil
}

func (m *Manager) setLock(ctx context.Context, key string, until time.Time) error {
	setter, ok := m.store.(blobstore.RetentionSetter)
	if !ok {
		klog.V(2).Infof("store does not support object locks; retention for %s is advisory", key)
		return nil
	}
	if err := setter.SetRetention(ctx, key, until); err != nil {
		return fmt.Errorf("failed to set retention on %s: %w", key, err)
	}
	return nil
}

func (m *Manager) result(uid, key string, until time.Time, action Action) *Result {
	return &Result{
		UID:            uid,
		Key:            key,
		Location:       "extended_retention",
		RetentionUntil: until,
		Action:         action,
	}
}
