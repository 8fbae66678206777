package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lexpr/groupcall/internal/media"
)

// fakeElement tracks connect/release calls for assertions.
type fakeElement struct {
	id string

	mu         sync.Mutex
	sinks      []string
	released   bool
	releaseErr error
}

func (e *fakeElement) ID() string { return e.id }

func (e *fakeElement) Connect(_ context.Context, sink media.Element) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink.ID())
	return nil
}

func (e *fakeElement) Disconnect(_ context.Context, sink media.Element) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.sinks {
		if s == sink.ID() {
			e.sinks = append(e.sinks[:i], e.sinks[i+1:]...)
			break
		}
	}
	return nil
}

func (e *fakeElement) Release(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	return e.releaseErr
}

func (e *fakeElement) connectedTo(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sinks {
		if s == id {
			return true
		}
	}
	return false
}

type fakeEndpoint struct {
	fakeElement
	onCandidate func(media.ICECandidate)
	candidates  []media.ICECandidate
}

func (e *fakeEndpoint) ProcessOffer(_ context.Context, sdpOffer string) (string, error) {
	return "answer-for-" + sdpOffer, nil
}

func (e *fakeEndpoint) GatherCandidates(context.Context) error { return nil }

func (e *fakeEndpoint) AddICECandidate(_ context.Context, c media.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEndpoint) OnICECandidate(fn func(media.ICECandidate)) { e.onCandidate = fn }

type fakeRecorder struct {
	fakeElement
	recording bool
	stateFn   func(media.RecorderEvent)
}

func (r *fakeRecorder) Record(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	return nil
}

func (r *fakeRecorder) OnStateChanged(fn func(media.RecorderEvent)) error {
	r.stateFn = fn
	return nil
}

type fakeHub struct {
	fakeElement
	p *fakePipeline
}

func (h *fakeHub) NewPort(context.Context) (media.HubPort, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	h.p.portSeq++
	port := &fakeElement{id: fmt.Sprintf("port-%d", h.p.portSeq)}
	h.p.ports = append(h.p.ports, port)
	return port, nil
}

type fakePipeline struct {
	mu          sync.Mutex
	endpointSeq int
	portSeq     int
	endpoints   []*fakeEndpoint
	ports       []*fakeElement
	recorders   []*fakeRecorder
	recorderErr error
	releases    int
}

func (p *fakePipeline) ID() string { return "pipeline" }

func (p *fakePipeline) NewWebRTCEndpoint(context.Context) (media.WebRTCEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpointSeq++
	ep := &fakeEndpoint{fakeElement: fakeElement{id: fmt.Sprintf("ep-%d", p.endpointSeq)}}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

func (p *fakePipeline) NewComposite(context.Context) (media.Hub, error) {
	return &fakeHub{fakeElement: fakeElement{id: "composite"}, p: p}, nil
}

func (p *fakePipeline) NewRecorder(_ context.Context, uri string, _ media.Profile) (media.Recorder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recorderErr != nil {
		return nil, p.recorderErr
	}
	rec := &fakeRecorder{fakeElement: fakeElement{id: "recorder:" + uri}}
	p.recorders = append(p.recorders, rec)
	return rec, nil
}

func (p *fakePipeline) Release(done func(error)) {
	p.mu.Lock()
	p.releases++
	p.mu.Unlock()
	done(nil)
}

func (p *fakePipeline) recorderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recorders)
}

type fakeEngine struct {
	mu        sync.Mutex
	pipelines []*fakePipeline
	err       error
}

func (e *fakeEngine) NewPipeline(context.Context) (media.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	p := &fakePipeline{}
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) pipelineCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pipelines)
}

var errConnDown = errors.New("conn down")

// fakeConn records delivered frames; failing injects delivery errors.
type fakeConn struct {
	mu      sync.Mutex
	frames  []Frame
	failing bool
	closed  int
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errConnDown
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *fakeConn) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// messages decodes every delivered frame into a generic map.
func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) lastMessage() map[string]any {
	msgs := c.messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}
