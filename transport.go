package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of a WebRTC peer connection the negotiator drives.
// The pion implementation is returned by NewPionPeer; tests substitute their own.
type PeerConnection interface {
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	AddTrack(track webrtc.TrackLocal) error
	// AddAudioReceiver negotiates a receive-only audio section when no local track exists.
	AddAudioReceiver() error
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	// GatheringComplete is closed once ICE candidate gathering has finished.
	GatheringComplete() <-chan struct{}
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote))
	Close() error
}

// DataChannel is the control channel carrying JSON events.
type DataChannel interface {
	Label() string
	ID() *uint16
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte, isString bool))
	SendText(s string) error
	Close() error
}

// PeerFactory builds a fresh, unconfigured peer connection per attempt.
type PeerFactory func(iceServers []string) (PeerConnection, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

var _ PeerConnection = (*pionPeer)(nil)

func NewPionPeer(iceServers []string) (PeerConnection, error) {
	cfg := webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) AddAudioReceiver() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

var _ DataChannel = (*pionDataChannel)(nil)

func (d *pionDataChannel) Label() string                       { return d.dc.Label() }
func (d *pionDataChannel) ID() *uint16                         { return d.dc.ID() }
func (d *pionDataChannel) ReadyState() webrtc.DataChannelState { return d.dc.ReadyState() }
func (d *pionDataChannel) OnOpen(f func())                     { d.dc.OnOpen(f) }
func (d *pionDataChannel) OnClose(f func())                    { d.dc.OnClose(f) }
func (d *pionDataChannel) SendText(s string) error             { return d.dc.SendText(s) }
func (d *pionDataChannel) Close() error                        { return d.dc.Close() }

func (d *pionDataChannel) OnMessage(f func(data []byte, isString bool)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data, msg.IsString)
	})
}

// waitGathering blocks until ICE gathering completes so the offer carries candidates.
func waitGathering(ctx context.Context, peer PeerConnection) error {
	select {
	case <-peer.GatheringComplete():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

var errNoLocalDescription = errors.New("no local description after gathering")
