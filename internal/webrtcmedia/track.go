package webrtcmedia

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/opalchat/call-relay/internal/call"
	"github.com/opalchat/call-relay/internal/protocol"
)

// LocalTrack adapts a pion local track to the call engine's Track, pairing
// it with the function that releases its capture source.
type LocalTrack struct {
	track webrtc.TrackLocal
	stop  func()
}

func NewLocalTrack(track webrtc.TrackLocal, stop func()) *LocalTrack {
	return &LocalTrack{track: track, stop: stop}
}

func (t *LocalTrack) Kind() string { return t.track.Kind().String() }

func (t *LocalTrack) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

func (t *LocalTrack) Local() webrtc.TrackLocal { return t.track }

// TrackSource opens one capture track of the given kind ("audio" or
// "video").
type TrackSource func(ctx context.Context, kind string) (*LocalTrack, error)

// Devices implements call.MediaDevices over a TrackSource: one audio track
// per call, plus a video track for video calls. A partial failure releases
// everything already acquired.
type Devices struct {
	Source TrackSource
}

func (d Devices) Acquire(ctx context.Context, callType protocol.CallType) ([]call.Track, error) {
	kinds := []string{"audio"}
	if callType == protocol.CallTypeVideo {
		kinds = append(kinds, "video")
	}

	var tracks []call.Track
	for _, kind := range kinds {
		tr, err := d.Source(ctx, kind)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, fmt.Errorf("acquire %s track: %w", kind, err)
		}
		tracks = append(tracks, tr)
	}
	return tracks, nil
}

// SampleSource builds sample-fed local tracks (opus audio, VP8 video) for
// callers that push encoded frames themselves.
func SampleSource(ctx context.Context, kind string) (*LocalTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case "audio":
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	case "video":
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, kind, "call-relay-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	return NewLocalTrack(track, nil), nil
}
