// # Go Client Package for Persona Voice Sessions
//
// Package realtime establishes two-way voice conversations with a realtime model over
// WebRTC. A Negotiator fetches an ephemeral credential from a signaling server, builds
// the peer connection in a fixed order (control channel, then local audio), exchanges
// session descriptors and configures the session with persona instructions and an
// optional reference document once the control channel opens.
//
// Inbound control messages are decoded by a Dispatcher. SocketSession offers the same
// event surface over a plain WebSocket when WebRTC is not available.
package realtime
