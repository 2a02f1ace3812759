package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	pkgoauth "github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// maxStateLength bounds the callback parameter before decoding it.
const maxStateLength = 1024

// State is the typed payload carried in the OAuth state parameter.
type State struct {
	OwnerKind principal.Kind `json:"k"`
	OwnerID   string         `json:"o"`
	ServerID  string         `json:"s"`
	Nonce     string         `json:"n"`
}

// NewState returns a state for owner and server with a fresh nonce.
func NewState(owner principal.Owner, serverID string) (State, error) {
	nonce, err := pkgoauth.RandomToken()
	if err != nil {
		return State{}, err
	}
	return State{
		OwnerKind: owner.Kind,
		OwnerID:   owner.ID,
		ServerID:  serverID,
		Nonce:     nonce,
	}, nil
}

// Owner returns the principal the flow was started for.
func (s State) Owner() principal.Owner {
	return principal.Owner{Kind: s.OwnerKind, ID: s.OwnerID}
}

// Encode serializes the state for the authorization URL.
func (s State) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState parses a callback state parameter. Only user and team owners
// are accepted.
func DecodeState(raw string) (State, error) {
	if raw == "" || len(raw) > maxStateLength {
		return State{}, ErrInvalidState
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	switch s.OwnerKind {
	case principal.KindUser, principal.KindTeam:
	case principal.KindSystem:
		return State{}, fmt.Errorf("%w: system owner", ErrInvalidState)
	default:
		return State{}, fmt.Errorf("%w: unknown owner kind %q", ErrInvalidState, string(s.OwnerKind))
	}
	if s.OwnerID == "" || s.ServerID == "" || s.Nonce == "" {
		return State{}, fmt.Errorf("%w: incomplete state", ErrInvalidState)
	}
	return s, nil
}
