package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrTRHandlerAlreadySet   = errors.New("track remote handler already set")
	ErrAudioSourceAlreadySet = errors.New("audio source already set")
)

// Negotiation failures. Fatal ones end the attempt and tear the session down;
// ErrMediaAccess and ErrMalformedMessage only degrade it.
var (
	ErrSignaling            = errors.New("signaling failed")
	ErrDescriptorExchange   = errors.New("descriptor exchange failed")
	ErrMediaAccess          = errors.New("media access failed")
	ErrProtocolState        = errors.New("illegal protocol state")
	ErrConnectTimeout       = errors.New("connection timeout")
	ErrConcurrentConnection = errors.New("connection already in progress")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrSessionClosed        = errors.New("session closed")
	ErrTransportFailed      = errors.New("transport failed")
	ErrDecode               = errors.New("audio decode failed")
)
