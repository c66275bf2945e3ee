package topicflow

import (
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	req := newRequest(methodTopicSetKey, map[string]any{"topic_id": "room", "key": "k"})
	raw, err := marshalFrame(req, newResult("r1", map[string]any{"ok": true}), newError("r2", 5, "boom"))
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := parseFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages: %d", len(msgs))
	}

	if !msgs[0].isRequest() || msgs[0].isError() {
		t.Fatal("first message should classify as request")
	}
	if msgs[0].Version != rpcVersion || msgs[0].ID != req.ID {
		t.Fatalf("request envelope: %+v", msgs[0])
	}
	if paramString(msgs[0].Params, "topic_id") != "room" {
		t.Fatal("params lost in transit")
	}

	if msgs[1].isRequest() || msgs[1].isError() {
		t.Fatal("second message should classify as success reply")
	}
	if msgs[2].isRequest() || !msgs[2].isError() {
		t.Fatal("third message should classify as error reply")
	}
	if msgs[2].Error.Code != 5 || msgs[2].Error.Message != "boom" {
		t.Fatalf("error payload: %+v", msgs[2].Error)
	}
}

func TestNilResultSerializesAsNull(t *testing.T) {
	raw, err := marshalFrame(newResult("r1", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"result":null`) {
		t.Fatalf("frame: %s", raw)
	}
}

func TestParseFrameRejectsMissingID(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"jsonrpc":"2.0","id":"x"}`, // object, not array
		`[{"jsonrpc":"2.0","method":"ping"}]`,
		`[null]`,
	} {
		if _, err := parseFrame([]byte(raw)); err == nil {
			t.Fatalf("parseFrame accepted %s", raw)
		}
	}
}

func TestRequestIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newRequestID()
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty id %q", id)
		}
		seen[id] = true
	}
}

func TestMethodNotFoundShape(t *testing.T) {
	m := methodNotFound("x1", "bogus")
	if m.ID != "x1" || m.Error == nil || m.Error.Code != codeMethodNotFound {
		t.Fatalf("reply: %+v", m)
	}
	if !strings.Contains(m.Error.Message, "bogus") {
		t.Fatalf("message: %q", m.Error.Message)
	}
}

func TestParamAccessors(t *testing.T) {
	params := map[string]any{
		"s": "v",
		"f": 41.9,
		"m": map[string]any{"k": 1.0},
	}
	if paramString(params, "s") != "v" || paramString(params, "missing") != "" {
		t.Fatal("paramString")
	}
	if paramInt(params, "f") != 41 || paramInt(params, "missing") != 0 {
		t.Fatal("paramInt")
	}
	if paramMap(params, "m")["k"] != 1.0 || paramMap(params, "missing") != nil {
		t.Fatal("paramMap")
	}
}
