package types

import "encoding/json"

// Envelope is the single frame shape exchanged over the websocket in both
// directions. Requests that expect a reply carry a RequestID which the reply echoes.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type JoinLobby struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

type ReportResult struct {
	MatchID  string `json:"match_id"`
	WinnerID string `json:"winner_id"`
}

type Forfeit struct {
	MatchID string `json:"match_id"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Payload, v)
}
