/******************************************************************************
 *
 *  Description :
 *
 *    Session settings and config file loading. Config files are JSON with
 *    comments allowed, translated through jsonco.
 *
 *****************************************************************************/

package topicflow

import (
	"encoding/json"
	"fmt"
	"os"

	jcr "github.com/tinode/jsonco"
)

// Settings configures a session. Zero fields take defaults.
type Settings struct {
	// Server base URL, e.g. "wss://example.com". The socket path
	// "/topicflow/socket" is appended.
	BaseURL string `json:"base_url"`
	// Stable identifier of this client installation.
	ClientID string `json:"client_id"`
	// First reconnect delay.
	MinBackoffMs int64 `json:"min_backoff_ms"`
	// Reconnect delay ceiling (before the 0-20% jitter).
	MaxBackoffMs int64 `json:"max_backoff_ms"`
	// Delays beyond this mark the session as disconnected rather than
	// trying, and bound the login flow's patience.
	DisconnectedBackoffMs int64 `json:"disconnected_backoff_ms"`
	// Generous deadline for the server's init handshake after the socket
	// opens; also the fallback ping deadline.
	InitDeadlineMs int64 `json:"init_deadline_ms"`
	// Sample window of the latency percentile trackers.
	LatencyWindow int `json:"latency_window"`
}

// DefaultSettings returns the defaults for the given server and client.
func DefaultSettings(baseURL, clientID string) *Settings {
	return (&Settings{BaseURL: baseURL, ClientID: clientID}).withDefaults()
}

func (s *Settings) withDefaults() *Settings {
	out := Settings{}
	if s != nil {
		out = *s
	}
	if out.MinBackoffMs <= 0 {
		out.MinBackoffMs = 500
	}
	if out.MaxBackoffMs <= 0 {
		out.MaxBackoffMs = 30000
	}
	if out.DisconnectedBackoffMs <= 0 {
		out.DisconnectedBackoffMs = 10000
	}
	if out.InitDeadlineMs <= 0 {
		out.InitDeadlineMs = 20000
	}
	if out.LatencyWindow <= 0 {
		out.LatencyWindow = 128
	}
	return &out
}

// LoadSettings reads settings from a commented-JSON config file.
func LoadSettings(path string) (*Settings, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var s Settings
	jr := jcr.New(file)
	if err := json.NewDecoder(jr).Decode(&s); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("unmarshall error in config file in %s at %d:%d (offset %d bytes): %w",
				jerr.Field, lnum, cnum, jerr.Offset, jerr)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("syntax error in config file at %d:%d (offset %d bytes): %w",
				lnum, cnum, jerr.Offset, jerr)
		default:
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return s.withDefaults(), nil
}
