// Package music owns the external music service side of the app: the
// connection lifecycle, the low-latency remote-control channel, the stateless
// request/response API, and the reconciliation of now-playing state from
// every source into one displayed snapshot.
package music

import "fmt"

// CommandKind enumerates the playback capability surface.
type CommandKind int

const (
	KindPlayContext CommandKind = iota
	KindPause
	KindResume
	KindStop
)

func (k CommandKind) String() string {
	switch k {
	case KindPlayContext:
		return "play_context"
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	case KindStop:
		return "stop"
	}
	return "unknown"
}

// Command is one playback instruction. ContextURI is set only for
// KindPlayContext and selects the playlist to start.
type Command struct {
	Kind       CommandKind
	ContextURI string
}

func (c Command) String() string {
	if c.Kind == KindPlayContext {
		return fmt.Sprintf("%s(%s)", c.Kind, c.ContextURI)
	}
	return c.Kind.String()
}

// Playlists maps training phases to playback contexts.
type Playlists struct {
	HighIntensityURI string
	RestURI          string
}
