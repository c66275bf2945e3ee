/******************************************************************************
 *
 *  Description :
 *
 *    Client-side replica of one server-owned topic. Data is mutated only
 *    through handleSnapshot/handleDiff, both invoked by the owning
 *    session's dispatch in server arrival order. Snapshots are reduced to
 *    diffs so both paths share one mutation and event-emission contract.
 *
 *****************************************************************************/

package topicflow

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrReservedChar is returned by write operations when a key, subkey or
// prefix contains the reserved separator ':'. ErrEmptyKey is returned for
// an empty key; of the prefix operations only ClearPresencePrefix accepts
// "" (it clears the whole presence record).
var (
	ErrReservedChar = errors.New("topicflow: ':' is reserved in keys")
	ErrEmptyKey     = errors.New("topicflow: empty key")
)

// KeyChange is the payload of per-key change events.
type KeyChange struct {
	Key   string
	Value any
}

// PresenceChange is the payload of presence-key change events.
type PresenceChange struct {
	UserID   string
	ClientID string
	Subkey   string
	Value    any
}

// Topic is a replicated key/value store tied to one subscription. Create
// via Session.Subscribe; a topic is unusable after Unsubscribe.
type Topic struct {
	id   string
	sess *Session

	mu    sync.Mutex
	data  map[string]any
	epoch string // "" until the first snapshot is joined

	onSnapshot       listeners[map[string]any]
	onJoin           listeners[struct{}]
	onGone           listeners[struct{}]
	onChange         listeners[map[string]any]
	onChangeKey      listeners[KeyChange]
	onChangePresence listeners[PresenceChange]
}

func newTopic(sess *Session, id string) *Topic {
	return &Topic{
		id:   id,
		sess: sess,
		data: make(map[string]any),
	}
}

// ID returns the stable topic identifier.
func (t *Topic) ID() string {
	return t.id
}

// Epoch returns the server's version marker, or "" before the first join.
func (t *Topic) Epoch() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// Joined reports whether the topic received its initial snapshot.
func (t *Topic) Joined() bool {
	return t.Epoch() != ""
}

// Get returns the value of one key.
func (t *Topic) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[key]
	return v, ok
}

// Data returns a shallow copy of the full replica.
func (t *Topic) Data() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyData(t.data)
}

// Unsubscribe detaches the topic from its session. A topic_unsubscribe
// request is sent best-effort; its failure is ignored since no observer
// remains to care.
func (t *Topic) Unsubscribe() {
	t.sess.unsubscribe(t)
}

// Event registration. Each call returns a detach handle.

func (t *Topic) OnSnapshot(fn func(data map[string]any)) func() {
	return t.onSnapshot.on(fn)
}

func (t *Topic) OnJoin(fn func()) func() {
	return t.onJoin.on(func(struct{}) { fn() })
}

func (t *Topic) OnceJoin(fn func()) func() {
	return t.onJoin.once(func(struct{}) { fn() })
}

func (t *Topic) OnGone(fn func()) func() {
	return t.onGone.on(func(struct{}) { fn() })
}

func (t *Topic) OnChange(fn func(data map[string]any)) func() {
	return t.onChange.on(fn)
}

func (t *Topic) OnChangeKey(fn func(KeyChange)) func() {
	return t.onChangeKey.on(fn)
}

func (t *Topic) OnChangePresenceKey(fn func(PresenceChange)) func() {
	return t.onChangePresence.on(fn)
}

// Write operations. Each returns once the server acknowledged the request
// or ctx expired; the pending request itself survives ctx cancellation
// and is still delivered on a later sync.

// SetKey upserts one key. A nil ttl never expires.
func (t *Topic) SetKey(ctx context.Context, key string, value any, ttl *time.Duration) error {
	ack, err := t.setKey(key, value, ttl)
	if err != nil {
		return err
	}
	return awaitAck(ctx, ack)
}

// DeleteKey removes a key. Sugar for SetKey(key, nil, nil).
func (t *Topic) DeleteKey(ctx context.Context, key string) error {
	return t.SetKey(ctx, key, nil, nil)
}

// SetPresenceKey upserts one subkey of this client's presence record.
func (t *Topic) SetPresenceKey(ctx context.Context, subkey string, value any, ttl *time.Duration) error {
	ack, err := t.setPresenceKey(subkey, value, ttl)
	if err != nil {
		return err
	}
	return awaitAck(ctx, ack)
}

// DeletePresenceKey removes one subkey of this client's presence record.
func (t *Topic) DeletePresenceKey(ctx context.Context, subkey string) error {
	return t.SetPresenceKey(ctx, subkey, nil, nil)
}

// AtomicAdd performs a server-side atomic add: arithmetic for numeric
// keys, insertion at position at for list- or map-valued keys. Negative
// list indices count from the end; for maps at is the entry key. The key
// is created if absent.
func (t *Topic) AtomicAdd(ctx context.Context, key string, value, at any, ttl *time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	ack := t.sess.enqueue(methodTopicAtomicAdd, t.atomicParams(key, value, at, ttl))
	return awaitAck(ctx, ack)
}

// AtomicSubtract is the inverse of AtomicAdd: arithmetic subtract for
// numbers; for lists and maps it removes an entry matching value and/or
// at. When both are given the entry is removed only if the value at that
// position matches.
func (t *Topic) AtomicSubtract(ctx context.Context, key string, value, at any, ttl *time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	ack := t.sess.enqueue(methodTopicAtomicSubtract, t.atomicParams(key, value, at, ttl))
	return awaitAck(ctx, ack)
}

// ClearPrefix asks the server to remove every key sharing the prefix. An
// empty prefix is rejected; wiping a whole topic must be spelled out
// key by key.
func (t *Topic) ClearPrefix(ctx context.Context, prefix string) error {
	if err := checkKey(prefix); err != nil {
		return err
	}
	ack := t.sess.enqueue(methodTopicClearPrefix, map[string]any{
		"topic_id": t.id,
		"prefix":   prefix,
		"ts":       t.sess.nextTS(),
	})
	return awaitAck(ctx, ack)
}

// ClearPresencePrefix removes every subkey of this client's presence
// record sharing the prefix. An empty prefix clears the whole record.
func (t *Topic) ClearPresencePrefix(ctx context.Context, prefix string) error {
	if prefix != "" {
		if err := checkKey(prefix); err != nil {
			return err
		}
	}
	ack := t.sess.enqueue(methodTopicClearPresencePrefix, map[string]any{
		"topic_id": t.id,
		"prefix":   prefix,
		"ts":       t.sess.nextTS(),
	})
	return awaitAck(ctx, ack)
}

// Non-blocking cores, also used directly by tests and the facade.

func (t *Topic) setKey(key string, value any, ttl *time.Duration) (<-chan error, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return t.sess.enqueue(methodTopicSetKey, map[string]any{
		"topic_id": t.id,
		"key":      key,
		"value":    value,
		"ttl":      ttlMillis(ttl),
		"ts":       t.sess.nextTS(),
	}), nil
}

func (t *Topic) setPresenceKey(subkey string, value any, ttl *time.Duration) (<-chan error, error) {
	if err := checkKey(subkey); err != nil {
		return nil, err
	}
	return t.sess.enqueue(methodTopicSetPresenceKey, map[string]any{
		"topic_id": t.id,
		"key":      subkey,
		"value":    value,
		"ttl":      ttlMillis(ttl),
		"ts":       t.sess.nextTS(),
	}), nil
}

func (t *Topic) atomicParams(key string, value, at any, ttl *time.Duration) map[string]any {
	return map[string]any{
		"topic_id": t.id,
		"key":      key,
		"value":    value,
		"at":       at,
		"ttl":      ttlMillis(ttl),
		"ts":       t.sess.nextTS(),
	}
}

// handleSnapshot applies a full snapshot. A matching epoch (or the very
// first snapshot) confirms the replica; a mismatching one invalidates its
// history: gone is emitted before the new state is applied. Either way the
// snapshot is reduced to a structural diff and applied through the same
// path as handleDiff.
func (t *Topic) handleSnapshot(snapshot map[string]any, epoch string, ev *eventQueue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first := t.epoch == ""
	if !first && epoch != t.epoch {
		ev.add(func() { t.onGone.emit(struct{}{}) })
		t.epoch = epoch
		t.applyDiffLocked(diffData(t.data, snapshot), ev)
		return
	}

	t.epoch = epoch
	full := copyData(snapshot)
	ev.add(func() { t.onSnapshot.emit(full) })
	t.applyDiffLocked(diffData(t.data, snapshot), ev)
	if first {
		ev.add(func() { t.onJoin.emit(struct{}{}) })
	}
}

// handleDiff applies a server diff: nil deletes a key, any other value
// upserts when structurally different from the current one.
func (t *Topic) handleDiff(diff map[string]any, ev *eventQueue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applyDiffLocked(diff, ev)
}

func (t *Topic) applyDiffLocked(diff map[string]any, ev *eventQueue) {
	keys := make([]string, 0, len(diff))
	for key := range diff {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var changed []KeyChange
	for _, key := range keys {
		val := diff[key]
		if val == nil {
			if _, ok := t.data[key]; !ok {
				continue
			}
			delete(t.data, key)
			changed = append(changed, KeyChange{Key: key})
		} else if cur, ok := t.data[key]; !ok || !valuesEqual(cur, val) {
			t.data[key] = val
			changed = append(changed, KeyChange{Key: key, Value: val})
		}
	}

	if len(changed) == 0 {
		return
	}

	// The aggregate change event carries the fully-updated data and fires
	// before any per-key event.
	full := copyData(t.data)
	ev.add(func() { t.onChange.emit(full) })
	for _, kc := range changed {
		kc := kc
		if uid, cid, sub, ok := parsePresenceKey(kc.Key); ok {
			ev.add(func() {
				t.onChangePresence.emit(PresenceChange{
					UserID:   uid,
					ClientID: cid,
					Subkey:   sub,
					Value:    kc.Value,
				})
			})
		} else {
			ev.add(func() { t.onChangeKey.emit(kc) })
		}
	}
}

// diffData computes the structural diff turning old into new: nil for
// removed keys, the new value for added or changed ones.
func diffData(old, new map[string]any) map[string]any {
	diff := make(map[string]any)
	for key := range old {
		if _, ok := new[key]; !ok {
			diff[key] = nil
		}
	}
	for key, val := range new {
		if cur, ok := old[key]; !ok || !valuesEqual(cur, val) {
			diff[key] = val
		}
	}
	return diff
}

// valuesEqual is deep structural equality over decoded-JSON values. Topic
// data is only ever populated from encoding/json output, so DeepEqual is
// exact here.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.Contains(key, ":") {
		return ErrReservedChar
	}
	return nil
}

func ttlMillis(ttl *time.Duration) any {
	if ttl == nil {
		return nil
	}
	return ttl.Milliseconds()
}

func awaitAck(ctx context.Context, ack <-chan error) error {
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
