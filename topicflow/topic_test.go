package topicflow

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recorder tags every topic event with a short label so ordering can be
// asserted.
type recorder struct {
	log []string
}

func (r *recorder) attach(t *Topic) {
	t.OnSnapshot(func(map[string]any) { r.log = append(r.log, "snapshot") })
	t.OnJoin(func() { r.log = append(r.log, "join") })
	t.OnGone(func() { r.log = append(r.log, "gone") })
	t.OnChange(func(map[string]any) { r.log = append(r.log, "change") })
	t.OnChangeKey(func(kc KeyChange) { r.log = append(r.log, "key:"+kc.Key) })
	t.OnChangePresenceKey(func(pc PresenceChange) {
		r.log = append(r.log, "presence:"+pc.UserID+"/"+pc.ClientID+"/"+pc.Subkey)
	})
}

func newBareTopic() *Topic {
	return newTopic(newTestSession(nil), "room")
}

func applySnapshot(t *Topic, snapshot map[string]any, epoch string) {
	var ev eventQueue
	t.handleSnapshot(snapshot, epoch, &ev)
	ev.fire()
}

func applyDiff(t *Topic, diff map[string]any) {
	var ev eventQueue
	t.handleDiff(diff, &ev)
	ev.fire()
}

func TestFirstSnapshotJoins(t *testing.T) {
	topic := newBareTopic()
	rec := &recorder{}
	rec.attach(topic)

	applySnapshot(topic, map[string]any{"a": 1.0, "b": "x"}, "e1")

	want := []string{"snapshot", "change", "key:a", "key:b", "join"}
	if diff := cmp.Diff(want, rec.log); diff != "" {
		t.Fatalf("event order (-want +got):\n%s", diff)
	}
	if !topic.Joined() || topic.Epoch() != "e1" {
		t.Fatalf("joined=%v epoch=%q", topic.Joined(), topic.Epoch())
	}
	if diff := cmp.Diff(map[string]any{"a": 1.0, "b": "x"}, topic.Data()); diff != "" {
		t.Fatalf("data (-want +got):\n%s", diff)
	}
}

func TestSnapshotSameEpochConfirms(t *testing.T) {
	topic := newBareTopic()
	applySnapshot(topic, map[string]any{"a": 1.0, "b": "x"}, "e1")

	rec := &recorder{}
	rec.attach(topic)
	applySnapshot(topic, map[string]any{"a": 2.0, "b": "x"}, "e1")

	want := []string{"snapshot", "change", "key:a"}
	if diff := cmp.Diff(want, rec.log); diff != "" {
		t.Fatalf("event order (-want +got):\n%s", diff)
	}
	if v, _ := topic.Get("a"); v != 2.0 {
		t.Fatalf("a = %v", v)
	}
}

func TestSnapshotEpochMismatchEmitsGoneFirst(t *testing.T) {
	topic := newBareTopic()
	applySnapshot(topic, map[string]any{"a": 1.0, "stale": true}, "e1")

	rec := &recorder{}
	rec.attach(topic)
	applySnapshot(topic, map[string]any{"a": 1.0, "fresh": true}, "e2")

	// History is invalidated before any new state is observable, and an
	// epoch change is not a rejoin.
	want := []string{"gone", "change", "key:fresh", "key:stale"}
	if diff := cmp.Diff(want, rec.log); diff != "" {
		t.Fatalf("event order (-want +got):\n%s", diff)
	}
	if topic.Epoch() != "e2" {
		t.Fatalf("epoch = %q", topic.Epoch())
	}
	if _, ok := topic.Get("stale"); ok {
		t.Fatal("stale key survived the epoch change")
	}
}

func TestDiffIsIdempotent(t *testing.T) {
	topic := newBareTopic()
	applySnapshot(topic, map[string]any{"a": 1.0}, "e1")

	diff := map[string]any{"a": 2.0, "b": map[string]any{"n": 1.0}, "gone": nil}
	applyDiff(topic, diff)
	after := topic.Data()

	rec := &recorder{}
	rec.attach(topic)
	applyDiff(topic, diff)

	if len(rec.log) != 0 {
		t.Fatalf("reapplied diff emitted events: %v", rec.log)
	}
	if d := cmp.Diff(after, topic.Data()); d != "" {
		t.Fatalf("reapplied diff changed data:\n%s", d)
	}
}

func TestSnapshotEquivalentToDiff(t *testing.T) {
	initial := map[string]any{"keep": "v", "drop": 1.0, "edit": []any{1.0}}
	target := map[string]any{"keep": "v", "edit": []any{2.0}, "add": true}

	bySnapshot := newBareTopic()
	applySnapshot(bySnapshot, initial, "e1")
	recA := &recorder{}
	recA.attach(bySnapshot)
	applySnapshot(bySnapshot, target, "e1")

	byDiff := newBareTopic()
	applySnapshot(byDiff, initial, "e1")
	recB := &recorder{}
	recB.attach(byDiff)
	applyDiff(byDiff, diffData(initial, target))

	if d := cmp.Diff(bySnapshot.Data(), byDiff.Data()); d != "" {
		t.Fatalf("final data diverged:\n%s", d)
	}
	// Identical mutations modulo the snapshot event itself.
	if d := cmp.Diff(recA.log[1:], recB.log); d != "" {
		t.Fatalf("event streams diverged:\n%s", d)
	}
}

func TestDiffDeleteOfMissingKeyIsSilent(t *testing.T) {
	topic := newBareTopic()
	applySnapshot(topic, map[string]any{"a": 1.0}, "e1")

	rec := &recorder{}
	rec.attach(topic)
	applyDiff(topic, map[string]any{"never-existed": nil})

	if len(rec.log) != 0 {
		t.Fatalf("unexpected events: %v", rec.log)
	}
}

func TestDiffRoutesPresenceKeys(t *testing.T) {
	topic := newBareTopic()
	rec := &recorder{}
	rec.attach(topic)

	applyDiff(topic, map[string]any{
		"plain":                  1.0,
		presenceKey("u1", "c1", "status"): "connected",
	})

	want := []string{"change", "presence:u1/c1/status", "key:plain"}
	if diff := cmp.Diff(want, rec.log); diff != "" {
		t.Fatalf("event order (-want +got):\n%s", diff)
	}
}

func TestDiffDataRoundTrip(t *testing.T) {
	old := map[string]any{"a": 1.0, "b": "x", "c": []any{1.0, 2.0}}
	updated := map[string]any{"b": "y", "c": []any{1.0, 2.0}, "d": true}

	diff := diffData(old, updated)
	if _, ok := diff["c"]; ok {
		t.Fatal("unchanged key in diff")
	}

	topic := newBareTopic()
	applySnapshot(topic, old, "e1")
	applyDiff(topic, diff)
	if d := cmp.Diff(updated, topic.Data()); d != "" {
		t.Fatalf("diff did not reproduce target:\n%s", d)
	}
}

func TestWriteRejectsReservedKeys(t *testing.T) {
	topic := newBareTopic()

	for _, key := range []string{"a:b", ":"} {
		if _, err := topic.setKey(key, 1, nil); err != ErrReservedChar {
			t.Fatalf("setKey(%q): %v", key, err)
		}
		if _, err := topic.setPresenceKey(key, 1, nil); err != ErrReservedChar {
			t.Fatalf("setPresenceKey(%q): %v", key, err)
		}
	}
	if _, err := topic.setKey("", 1, nil); err != ErrEmptyKey {
		t.Fatalf("setKey(\"\"): %v", err)
	}
	if _, err := topic.setPresenceKey("", 1, nil); err != ErrEmptyKey {
		t.Fatalf("setPresenceKey(\"\"): %v", err)
	}
	if topic.sess.PendingCount() != 0 {
		t.Fatal("rejected writes were enqueued")
	}
}

func TestClearPrefixEmptyHandling(t *testing.T) {
	topic := newBareTopic()

	// Topic-wide clears are rejected outright; an empty presence prefix is
	// valid and clears this client's whole record.
	if err := topic.ClearPrefix(canceledCtx(), ""); err != ErrEmptyKey {
		t.Fatalf("ClearPrefix(\"\"): %v", err)
	}
	if err := topic.ClearPresencePrefix(canceledCtx(), ""); err != context.Canceled {
		t.Fatalf("ClearPresencePrefix(\"\"): %v", err)
	}
	if got := pendingByMethod(topic.sess, methodTopicClearPresencePrefix); len(got) != 1 {
		t.Fatalf("presence clears enqueued: %d", len(got))
	}
	if got := pendingByMethod(topic.sess, methodTopicClearPrefix); len(got) != 0 {
		t.Fatalf("topic clears enqueued: %d", len(got))
	}
}

func TestDataReturnsCopy(t *testing.T) {
	topic := newBareTopic()
	applySnapshot(topic, map[string]any{"a": 1.0}, "e1")

	snap := topic.Data()
	snap["a"] = 99.0
	if v, _ := topic.Get("a"); v != 1.0 {
		t.Fatal("Data leaked the internal map")
	}
}
