package kurento

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/media"
)

// object is the shared half of every remote media element.
type object struct {
	c  *Client
	id string
}

func (o object) ID() string { return o.id }

func (o object) Connect(ctx context.Context, sink media.Element) error {
	return o.c.invoke(ctx, o.id, "connect", map[string]any{"sink": sink.ID()}, nil)
}

func (o object) Disconnect(ctx context.Context, sink media.Element) error {
	return o.c.invoke(ctx, o.id, "disconnect", map[string]any{"sink": sink.ID()}, nil)
}

func (o object) Release(ctx context.Context) error {
	return o.c.release(ctx, o.id)
}

type pipeline struct {
	object
}

// NewPipeline implements media.Engine.
func (c *Client) NewPipeline(ctx context.Context) (media.Pipeline, error) {
	id, err := c.create(ctx, "MediaPipeline", nil)
	if err != nil {
		return nil, err
	}
	return &pipeline{object{c: c, id: id}}, nil
}

func (p *pipeline) NewWebRTCEndpoint(ctx context.Context) (media.WebRTCEndpoint, error) {
	id, err := p.c.create(ctx, "WebRtcEndpoint", map[string]any{"mediaPipeline": p.id})
	if err != nil {
		return nil, err
	}
	return &endpoint{object{c: p.c, id: id}}, nil
}

func (p *pipeline) NewComposite(ctx context.Context) (media.Hub, error) {
	id, err := p.c.create(ctx, "Composite", map[string]any{"mediaPipeline": p.id})
	if err != nil {
		return nil, err
	}
	return &hub{object{c: p.c, id: id}}, nil
}

func (p *pipeline) NewRecorder(ctx context.Context, uri string, profile media.Profile) (media.Recorder, error) {
	id, err := p.c.create(ctx, "RecorderEndpoint", map[string]any{
		"mediaPipeline": p.id,
		"uri":           uri,
		"mediaProfile":  string(profile),
	})
	if err != nil {
		return nil, err
	}
	return &recorder{object{c: p.c, id: id}}, nil
}

// Release is asynchronous: the engine verdict goes to done, never back to the
// caller.
func (p *pipeline) Release(done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		done(p.c.release(ctx, p.id))
	}()
}

type hub struct {
	object
}

func (h *hub) NewPort(ctx context.Context) (media.HubPort, error) {
	id, err := h.c.create(ctx, "HubPort", map[string]any{"hub": h.id})
	if err != nil {
		return nil, err
	}
	return &hubPort{object{c: h.c, id: id}}, nil
}

type hubPort struct {
	object
}

type endpoint struct {
	object
}

func (e *endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	var answer string
	err := e.c.invoke(ctx, e.id, "processOffer", map[string]any{"offer": sdpOffer}, &answer)
	return answer, err
}

func (e *endpoint) GatherCandidates(ctx context.Context) error {
	return e.c.invoke(ctx, e.id, "gatherCandidates", nil, nil)
}

func (e *endpoint) AddICECandidate(ctx context.Context, cand media.ICECandidate) error {
	return e.c.invoke(ctx, e.id, "addIceCandidate", map[string]any{"candidate": cand}, nil)
}

func (e *endpoint) OnICECandidate(fn func(media.ICECandidate)) {
	err := e.c.subscribe(context.Background(), e.id, "IceCandidateFound", func(data json.RawMessage) {
		var ev struct {
			Candidate media.ICECandidate `json:"candidate"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Error().Err(err).Str("module", "media.kurento").Str("endpoint", e.id).Msg("bad candidate event")
			return
		}
		fn(ev.Candidate)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "media.kurento").Str("endpoint", e.id).Msg("candidate subscription failed")
	}
}

type recorder struct {
	object
}

func (r *recorder) Record(ctx context.Context) error {
	return r.c.invoke(ctx, r.id, "record", nil, nil)
}

// OnStateChanged maps the engine's three recorder events onto one callback.
func (r *recorder) OnStateChanged(fn func(media.RecorderEvent)) error {
	for event, state := range map[string]media.RecorderState{
		"Recording": media.StateRecording,
		"Paused":    media.StatePaused,
		"Stopped":   media.StateStopped,
	} {
		st := state
		if err := r.c.subscribe(context.Background(), r.id, event, func(json.RawMessage) {
			fn(media.RecorderEvent{State: st})
		}); err != nil {
			return err
		}
	}
	return nil
}
