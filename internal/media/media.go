// Package media defines the contract with the external real-time media
// engine. The engine mixes, records and negotiates peer streams out of
// process; this package only names the objects and commands the core needs.
package media

import "context"

// Profile selects the container/track layout of a recorder.
type Profile string

const (
	ProfileMP4AudioOnly  Profile = "MP4_AUDIO_ONLY"
	ProfileWebMVideoOnly Profile = "WEBM_VIDEO_ONLY"
)

// RecorderState is reported asynchronously by the engine. The core only
// drives into Recording; Paused and Stopped are observed and logged.
type RecorderState string

const (
	StateRecording RecorderState = "recording"
	StatePaused    RecorderState = "paused"
	StateStopped   RecorderState = "stopped"
)

type RecorderEvent struct {
	State RecorderState
}

type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Element is any addressable media object living inside a pipeline.
type Element interface {
	ID() string
	// Connect links this element's output into sink's input.
	Connect(ctx context.Context, sink Element) error
	Disconnect(ctx context.Context, sink Element) error
	Release(ctx context.Context) error
}

// WebRTCEndpoint is one peer leg: a participant's publish point or one of
// its receiving connections.
type WebRTCEndpoint interface {
	Element
	ProcessOffer(ctx context.Context, sdpOffer string) (string, error)
	GatherCandidates(ctx context.Context) error
	AddICECandidate(ctx context.Context, c ICECandidate) error
	// OnICECandidate sets a callback for locally gathered candidates.
	OnICECandidate(fn func(ICECandidate))
}

// Hub mixes every connected port into one composite stream.
type Hub interface {
	Element
	NewPort(ctx context.Context) (HubPort, error)
}

type HubPort interface {
	Element
}

// Recorder persists a stream to durable storage.
type Recorder interface {
	Element
	Record(ctx context.Context) error
	// OnStateChanged subscribes to the engine's recording lifecycle events.
	OnStateChanged(fn func(RecorderEvent)) error
}

// Pipeline scopes a set of media objects that are released together.
type Pipeline interface {
	ID() string
	NewWebRTCEndpoint(ctx context.Context) (WebRTCEndpoint, error)
	NewComposite(ctx context.Context) (Hub, error)
	NewRecorder(ctx context.Context, uri string, profile Profile) (Recorder, error)
	// Release tears the pipeline down asynchronously. The callback receives
	// the engine's verdict; callers must not block on it.
	Release(done func(error))
}

type Engine interface {
	NewPipeline(ctx context.Context) (Pipeline, error)
	Close() error
}
