/******************************************************************************
 *
 *  Description :
 *
 *    Convenience layers over Topic. EphemeralTopic adds presence
 *    ergonomics and user-to-user message passing on top of inbox-prefixed
 *    keys; DataBackedTopic adds typed reads and counter/list/map helpers
 *    over the atomic operations.
 *
 *****************************************************************************/

package topicflow

import (
	"context"
	"time"
)

const inboxPrefix = "inbox."

// Message is one payload delivered through an EphemeralTopic inbox.
type Message struct {
	From       string
	FromClient string
	Payload    any
}

// EphemeralTopic wraps a topic holding transient collaboration state:
// presence records and message-passing inboxes. The wrapper borrows the
// topic; Close detaches the wrapper's listeners without unsubscribing.
type EphemeralTopic struct {
	*Topic

	userID   string
	clientID string

	offJoin    func()
	offMessage []func()
}

// NewEphemeralTopic wraps t for the given local identity. Stale entries
// in this user's inbox are cleared on every join.
func NewEphemeralTopic(t *Topic, userID, clientID string) *EphemeralTopic {
	e := &EphemeralTopic{Topic: t, userID: userID, clientID: clientID}
	e.offJoin = t.OnJoin(func() {
		// Drop messages addressed to a previous incarnation.
		t.sess.enqueue(methodTopicClearPrefix, map[string]any{
			"topic_id": t.id,
			"prefix":   e.inbox(),
			"ts":       t.sess.nextTS(),
		})
	})
	return e
}

// Close detaches the wrapper's own listeners. The topic stays subscribed.
func (e *EphemeralTopic) Close() {
	e.offJoin()
	for _, off := range e.offMessage {
		off()
	}
	e.offMessage = nil
}

func (e *EphemeralTopic) inbox() string {
	return inboxPrefix + e.userID + "."
}

// SetPresence upserts one subkey of this client's presence record.
func (e *EphemeralTopic) SetPresence(ctx context.Context, subkey string, value any, ttl *time.Duration) error {
	return e.SetPresenceKey(ctx, subkey, value, ttl)
}

// SetOnline marks this client connected, with an optional expiry guarding
// against unclean shutdown.
func (e *EphemeralTopic) SetOnline(ctx context.Context, ttl *time.Duration) error {
	return e.SetPresenceKey(ctx, presenceStatusKey, presenceStatusConnected, ttl)
}

// SetOffline clears this client's whole presence record.
func (e *EphemeralTopic) SetOffline(ctx context.Context) error {
	return e.ClearPresencePrefix(ctx, "")
}

// OnlineUsers lists users with at least one connected client.
func (e *EphemeralTopic) OnlineUsers() []string {
	var out []string
	for uid, clients := range e.MapPresenceData() {
		for _, record := range clients {
			if record[presenceStatusKey] == presenceStatusConnected {
				out = append(out, uid)
				break
			}
		}
	}
	return out
}

// PresenceOf returns the user's per-client presence records.
func (e *EphemeralTopic) PresenceOf(userID string) map[string]map[string]any {
	return e.MapPresenceData()[userID]
}

// SendToUser delivers a payload to every client of the given user.
func (e *EphemeralTopic) SendToUser(ctx context.Context, userID string, payload any) error {
	return e.send(ctx, userID, "", payload)
}

// SendToClient delivers a payload to one specific client of the user.
func (e *EphemeralTopic) SendToClient(ctx context.Context, userID, clientID string, payload any) error {
	return e.send(ctx, userID, clientID, payload)
}

func (e *EphemeralTopic) send(ctx context.Context, userID, clientID string, payload any) error {
	value := map[string]any{
		"from":        e.userID,
		"from_client": e.clientID,
		"payload":     payload,
	}
	if clientID != "" {
		value["to_client"] = clientID
	}
	key := inboxPrefix + userID + "." + newRequestID()
	return e.SetKey(ctx, key, value, nil)
}

// OnMessage registers a handler for payloads addressed to this identity.
// Delivered messages are removed from the topic best-effort. Returns a
// detach handle.
func (e *EphemeralTopic) OnMessage(fn func(Message)) func() {
	off := e.OnChangeKey(func(kc KeyChange) {
		if kc.Value == nil || len(kc.Key) <= len(e.inbox()) || kc.Key[:len(e.inbox())] != e.inbox() {
			return
		}
		body, ok := kc.Value.(map[string]any)
		if !ok {
			return
		}
		if to, ok := body["to_client"].(string); ok && to != e.clientID {
			return
		}
		from, _ := body["from"].(string)
		fromClient, _ := body["from_client"].(string)
		fn(Message{From: from, FromClient: fromClient, Payload: body["payload"]})

		// Consume the key; failure only means a redundant redelivery.
		e.sess.enqueue(methodTopicSetKey, map[string]any{
			"topic_id": e.id,
			"key":      kc.Key,
			"value":    nil,
			"ttl":      nil,
			"ts":       e.sess.nextTS(),
		})
	})
	e.offMessage = append(e.offMessage, off)
	return off
}

// DataBackedTopic wraps a topic holding durable shared state.
type DataBackedTopic struct {
	*Topic
}

// NewDataBackedTopic wraps t.
func NewDataBackedTopic(t *Topic) *DataBackedTopic {
	return &DataBackedTopic{Topic: t}
}

// GetString reads a key as a string.
func (d *DataBackedTopic) GetString(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetNumber reads a key as a number.
func (d *DataBackedTopic) GetNumber(key string) (float64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// GetBool reads a key as a boolean.
func (d *DataBackedTopic) GetBool(key string) (bool, bool) {
	v, ok := d.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Increment atomically adds delta to a numeric key, creating it at delta
// when absent.
func (d *DataBackedTopic) Increment(ctx context.Context, key string, delta float64) error {
	return d.AtomicAdd(ctx, key, delta, nil, nil)
}

// Decrement atomically subtracts delta from a numeric key.
func (d *DataBackedTopic) Decrement(ctx context.Context, key string, delta float64) error {
	return d.AtomicSubtract(ctx, key, delta, nil, nil)
}

// ListInsert inserts value at the given position of a list-valued key.
// Negative positions count from the end.
func (d *DataBackedTopic) ListInsert(ctx context.Context, key string, value any, at int) error {
	return d.AtomicAdd(ctx, key, value, at, nil)
}

// ListRemove removes the first entry matching value from a list-valued key.
func (d *DataBackedTopic) ListRemove(ctx context.Context, key string, value any) error {
	return d.AtomicSubtract(ctx, key, value, nil, nil)
}

// MapSet sets one field of a map-valued key.
func (d *DataBackedTopic) MapSet(ctx context.Context, key, field string, value any) error {
	return d.AtomicAdd(ctx, key, value, field, nil)
}

// MapDelete removes one field of a map-valued key.
func (d *DataBackedTopic) MapDelete(ctx context.Context, key, field string) error {
	return d.AtomicSubtract(ctx, key, nil, field, nil)
}
