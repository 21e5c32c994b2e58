// Package webrtcmedia backs the call engine's MediaSession capability with
// pion. One Session wraps one PeerConnection toward one remote participant.
package webrtcmedia

import (
	"fmt"
	"net"

	"github.com/pion/webrtc/v4"
)

// PortRange restricts the ephemeral UDP ports used for media transport.
type PortRange struct {
	Min uint16
	Max uint16
}

// Config carries the transport-level knobs shared by every Session built
// from the same API.
type Config struct {
	ICEServers []webrtc.ICEServer

	UDPPortRange *PortRange

	// UDPListenIP, when set to a specific address, restricts candidate
	// gathering and socket binding to that interface.
	UDPListenIP net.IP
}

func NewAPI(cfg Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg Config) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; instead we
	// restrict candidate gathering and socket binding via IPFilter.
	if cfg.UDPListenIP != nil && !cfg.UDPListenIP.IsUnspecified() {
		listenIP := cfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
