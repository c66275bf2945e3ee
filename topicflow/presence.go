/******************************************************************************
 *
 *  Description :
 *
 *    Presence keys. Ephemeral per-client attributes live in the same key
 *    space as ordinary topic keys, encoded as "@p:<user>:<client>:<subkey>".
 *    This file holds the codec and the read-only projections derived from
 *    topic data.
 *
 *****************************************************************************/

package topicflow

import "strings"

const presencePrefix = "@p:"

// presenceStatusKey is the subkey whose value "connected" marks a client
// as online.
const (
	presenceStatusKey       = "status"
	presenceStatusConnected = "connected"
)

func presenceKey(userID, clientID, subkey string) string {
	return presencePrefix + userID + ":" + clientID + ":" + subkey
}

// parsePresenceKey splits a topic key into its presence triple. ok is
// false for ordinary keys.
func parsePresenceKey(key string) (userID, clientID, subkey string, ok bool) {
	if !strings.HasPrefix(key, presencePrefix) {
		return "", "", "", false
	}
	parts := strings.SplitN(key[len(presencePrefix):], ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// GetPresenceKey returns the full key of the given subkey for the first of
// the user's clients whose status subkey is "connected". An empty clientID
// matches any client. The second return is false when no connected client
// carries the subkey.
func (t *Topic) GetPresenceKey(userID, clientID, subkey string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.data {
		uid, cid, sub, ok := parsePresenceKey(key)
		if !ok || uid != userID || sub != subkey {
			continue
		}
		if clientID != "" && cid != clientID {
			continue
		}
		if t.data[presenceKey(uid, cid, presenceStatusKey)] == presenceStatusConnected {
			return key, true
		}
	}
	return "", false
}

// IsAnyClientOnline reports whether at least one of the user's clients has
// a connected status.
func (t *Topic) IsAnyClientOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, val := range t.data {
		uid, _, sub, ok := parsePresenceKey(key)
		if ok && uid == userID && sub == presenceStatusKey && val == presenceStatusConnected {
			return true
		}
	}
	return false
}

// MapPresenceData groups all presence subkeys into per-client records:
// userID -> clientID -> subkey -> value. The result is derived on demand
// and never aliases topic data.
func (t *Topic) MapPresenceData() map[string]map[string]map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]map[string]any)
	for key, val := range t.data {
		uid, cid, sub, ok := parsePresenceKey(key)
		if !ok {
			continue
		}
		clients := out[uid]
		if clients == nil {
			clients = make(map[string]map[string]any)
			out[uid] = clients
		}
		record := clients[cid]
		if record == nil {
			record = make(map[string]any)
			clients[cid] = record
		}
		record[sub] = val
	}
	return out
}
