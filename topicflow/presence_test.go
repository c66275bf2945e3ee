package topicflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPresenceKeyCodec(t *testing.T) {
	key := presenceKey("u1", "c1", "cursor.x")
	if key != "@p:u1:c1:cursor.x" {
		t.Fatalf("encoded: %q", key)
	}

	uid, cid, sub, ok := parsePresenceKey(key)
	if !ok || uid != "u1" || cid != "c1" || sub != "cursor.x" {
		t.Fatalf("parsed: %q %q %q %v", uid, cid, sub, ok)
	}

	for _, bad := range []string{"plain", "@p:u1", "@p:u1:c1", "inbox.u1.x"} {
		if _, _, _, ok := parsePresenceKey(bad); ok {
			t.Fatalf("parsed non-presence key %q", bad)
		}
	}
}

func presenceFixture() *Topic {
	topic := newBareTopic()
	applySnapshot(topic, map[string]any{
		presenceKey("u1", "c1", "status"): "connected",
		presenceKey("u1", "c1", "cursor"): 5.0,
		presenceKey("u1", "c2", "cursor"): 7.0, // client without status
		presenceKey("u2", "c9", "status"): "away",
		"plain": "ignored",
	}, "e1")
	return topic
}

func TestGetPresenceKeyRequiresConnectedClient(t *testing.T) {
	topic := presenceFixture()

	key, ok := topic.GetPresenceKey("u1", "c1", "cursor")
	if !ok || key != presenceKey("u1", "c1", "cursor") {
		t.Fatalf("got %q %v", key, ok)
	}
	// Any-client lookup still only matches connected clients.
	if key, ok := topic.GetPresenceKey("u1", "", "cursor"); !ok || key != presenceKey("u1", "c1", "cursor") {
		t.Fatalf("any-client: %q %v", key, ok)
	}
	if _, ok := topic.GetPresenceKey("u1", "c2", "cursor"); ok {
		t.Fatal("matched a client without connected status")
	}
	if _, ok := topic.GetPresenceKey("u2", "", "status"); ok {
		t.Fatal("matched a non-connected status")
	}
}

func TestIsAnyClientOnline(t *testing.T) {
	topic := presenceFixture()

	if !topic.IsAnyClientOnline("u1") {
		t.Fatal("u1 should be online")
	}
	if topic.IsAnyClientOnline("u2") {
		t.Fatal("u2 status is away, not connected")
	}
	if topic.IsAnyClientOnline("u3") {
		t.Fatal("unknown user reported online")
	}
}

func TestMapPresenceData(t *testing.T) {
	topic := presenceFixture()

	want := map[string]map[string]map[string]any{
		"u1": {
			"c1": {"status": "connected", "cursor": 5.0},
			"c2": {"cursor": 7.0},
		},
		"u2": {
			"c9": {"status": "away"},
		},
	}
	if diff := cmp.Diff(want, topic.MapPresenceData()); diff != "" {
		t.Fatalf("presence map (-want +got):\n%s", diff)
	}
}
