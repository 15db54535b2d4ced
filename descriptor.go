package realtime

import (
	"fmt"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/pion/sdp/v3"
)

const (
	mediaAudio       = "audio"
	mediaApplication = "application"
)

// ValidateOffer checks that a local offer carries both an audio section and the
// control ("application") section before it is sent. This catches a broken build
// plan early; the remote endpoint still does the real validation.
func ValidateOffer(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parsing local offer: %v: %w", err, shared.ErrProtocolState)
	}
	var hasAudio, hasApplication bool
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case mediaAudio:
			hasAudio = true
		case mediaApplication:
			hasApplication = true
		}
	}
	switch {
	case !hasAudio && !hasApplication:
		return fmt.Errorf("offer has neither audio nor application section: %w", shared.ErrProtocolState)
	case !hasAudio:
		return fmt.Errorf("offer has no audio section: %w", shared.ErrProtocolState)
	case !hasApplication:
		return fmt.Errorf("offer has no application section: %w", shared.ErrProtocolState)
	}
	return nil
}

// mediaOrder lists the media kinds of a descriptor in section order.
func mediaOrder(raw string) ([]string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, err
	}
	kinds := make([]string, 0, len(desc.MediaDescriptions))
	for _, m := range desc.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return kinds, nil
}
