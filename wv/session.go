package wv

import (
	"encoding/hex"
	"sync"

	wvpb "github.com/iyear/gowidevine/widevinepb"
)

// SessionState is where a license session is in its lifecycle.
// Transitions only move forward: Opened -> ChallengeBuilt ->
// ResponseParsed or Failed. Both end states are terminal.
type SessionState int

const (
	StateOpened SessionState = iota
	StateChallengeBuilt
	StateResponseParsed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateOpened:
		return "Opened"
	case StateChallengeBuilt:
		return "ChallengeBuilt"
	case StateResponseParsed:
		return "ResponseParsed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session is one license acquisition attempt. Single-use: once it
// reaches a terminal state every further operation returns
// ErrInvalidState.
type Session struct {
	Number int
	Id     []byte

	mu    sync.Mutex
	state SessionState

	pssh        *PSSH
	licenseType wvpb.LicenseType
	privacyMode bool
	// requestID is the session-unique nonce baked into the challenge.
	requestID []byte

	ServiceCertificate *wvpb.DrmCertificate

	LicenseChallenge        []byte
	LicenseChallengeRequest []byte

	Keys []*Key
}

func (s *Session) HexId() string {
	return hex.EncodeToString(s.Id)
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PrivacyMode reports whether the client identity gets privacy-wrapped.
// Fixed at open time.
func (s *Session) PrivacyMode() bool { return s.privacyMode }

// PSSH returns the protection descriptor this session was opened with.
func (s *Session) PSSH() *PSSH { return s.pssh }
