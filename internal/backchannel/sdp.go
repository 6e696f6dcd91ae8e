package backchannel

import (
	"fmt"
	"strconv"
	"strings"
)

// audioTrack is the subset of an SDP m=audio section the backchannel
// needs: its control URL fragment and whether it advertises PCMA/8000.
type audioTrack struct {
	control  string
	hasPCMA  bool
	sendonly bool
}

// parseSDPForSendonlyPCMA scans an SDP body for m=audio sections, returning
// the control attribute of the first one marked a=sendonly whose rtpmap
// advertises PCMA/8000.
func parseSDPForSendonlyPCMA(body string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	var current *audioTrack
	var currentControl string
	inAudio := false

	flush := func() *audioTrack {
		if current == nil {
			return nil
		}
		current.control = currentControl
		t := current
		current = nil
		currentControl = ""
		return t
	}

	var best *audioTrack

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "m="):
			if t := flush(); t != nil && t.sendonly && t.hasPCMA && best == nil {
				best = t
			}
			inAudio = strings.HasPrefix(line, "m=audio")
			if inAudio {
				current = &audioTrack{}
			}
		case inAudio && strings.HasPrefix(line, "a=sendonly"):
			if current != nil {
				current.sendonly = true
			}
		case inAudio && strings.HasPrefix(line, "a=control:"):
			currentControl = strings.TrimPrefix(line, "a=control:")
		case inAudio && strings.HasPrefix(line, "a=rtpmap:"):
			if current != nil && isPCMA8000(line) {
				current.hasPCMA = true
			}
		case inAudio && !strings.HasPrefix(line, "a=") && !strings.HasPrefix(line, "m="):
			// other SDP lines within the m=audio block are ignored.
		}
	}
	if t := flush(); t != nil && t.sendonly && t.hasPCMA && best == nil {
		best = t
	}

	if best == nil || best.control == "" {
		return "", fmt.Errorf("no sendonly PCMA/8000 audio track with a=control in SDP")
	}
	return best.control, nil
}

// isPCMA8000 reports whether an a=rtpmap line advertises PCMA at 8000 Hz,
// e.g. "a=rtpmap:8 PCMA/8000".
func isPCMA8000(line string) bool {
	rest := strings.TrimPrefix(line, "a=rtpmap:")
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return false
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return false
	}
	encoding := fields[1]
	parts := strings.Split(encoding, "/")
	if len(parts) < 2 {
		return false
	}
	return strings.EqualFold(parts[0], "PCMA") && parts[1] == "8000"
}
