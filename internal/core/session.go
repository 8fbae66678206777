package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/domain"
	"github.com/lexpr/groupcall/internal/media"
)

// Frame is a raw signaling payload.
type Frame []byte

// SessionID identifies one transport connection.
type SessionID string

// SignalConnection abstracts the signaling transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ParticipantSession is one user's live binding to a room: the signaling
// channel, the stream it publishes into the room's composite, and one
// receiving endpoint per remote participant it views.
type ParticipantSession struct {
	name     domain.ParticipantName
	roomName domain.RoomName
	signal   SignalConnection
	pipeline media.Pipeline

	publisher media.WebRTCEndpoint
	hubPort   media.HubPort

	mu       sync.Mutex
	incoming map[domain.ParticipantName]media.WebRTCEndpoint
	closed   bool
}

// newParticipantSession wires the publish leg: a fresh endpoint feeding a new
// input port on the room's composite hub.
func newParticipantSession(
	ctx context.Context,
	name domain.ParticipantName,
	roomName domain.RoomName,
	conn SignalConnection,
	pipeline media.Pipeline,
	composite media.Hub,
) (*ParticipantSession, error) {
	publisher, err := pipeline.NewWebRTCEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	hubPort, err := composite.NewPort(ctx)
	if err != nil {
		releaseQuiet(ctx, publisher, string(roomName))
		return nil, err
	}
	if err := publisher.Connect(ctx, hubPort); err != nil {
		releaseQuiet(ctx, hubPort, string(roomName))
		releaseQuiet(ctx, publisher, string(roomName))
		return nil, err
	}

	s := &ParticipantSession{
		name:      name,
		roomName:  roomName,
		signal:    conn,
		pipeline:  pipeline,
		publisher: publisher,
		hubPort:   hubPort,
		incoming:  make(map[domain.ParticipantName]media.WebRTCEndpoint),
	}
	s.forwardCandidates(publisher, name)
	return s, nil
}

func (s *ParticipantSession) Name() domain.ParticipantName { return s.name }
func (s *ParticipantSession) RoomName() domain.RoomName    { return s.roomName }

func (s *ParticipantSession) SendMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.signal.TrySend(b)
}

// ReceiveStreamFrom connects sender's published stream into this session,
// lazily creating the receiving endpoint, and answers the given SDP offer.
// Subscribing to oneself negotiates on the publisher endpoint (loopback).
func (s *ParticipantSession) ReceiveStreamFrom(ctx context.Context, sender *ParticipantSession, sdpOffer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	ep := s.publisher
	if sender.name != s.name {
		var ok bool
		ep, ok = s.incoming[sender.name]
		if !ok {
			var err error
			ep, err = s.pipeline.NewWebRTCEndpoint(ctx)
			if err != nil {
				return "", err
			}
			s.forwardCandidates(ep, sender.name)
			s.incoming[sender.name] = ep
			log.Debug().Str("module", "core.session").
				Str("participant", string(s.name)).Str("from", string(sender.name)).
				Msg("receiving endpoint created")
		}
		if err := sender.publisher.Connect(ctx, ep); err != nil {
			return "", err
		}
	}

	answer, err := ep.ProcessOffer(ctx, sdpOffer)
	if err != nil {
		return "", err
	}
	if err := ep.GatherCandidates(ctx); err != nil {
		return "", err
	}
	return answer, nil
}

// CancelStreamFrom tears down the receiving endpoint toward name, if any.
func (s *ParticipantSession) CancelStreamFrom(ctx context.Context, name domain.ParticipantName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.incoming[name]
	if !ok {
		return
	}
	delete(s.incoming, name)
	if err := ep.Release(ctx); err != nil {
		log.Warn().Err(err).Str("module", "core.session").
			Str("participant", string(s.name)).Str("from", string(name)).
			Msg("could not release receiving endpoint")
	}
}

// AddICECandidate routes a remote candidate to the endpoint negotiating with
// from: the publisher for one's own stream, the receiving endpoint otherwise.
func (s *ParticipantSession) AddICECandidate(ctx context.Context, from domain.ParticipantName, cand media.ICECandidate) error {
	s.mu.Lock()
	ep := s.publisher
	if from != s.name {
		var ok bool
		if ep, ok = s.incoming[from]; !ok {
			s.mu.Unlock()
			return ErrNoSuchStream
		}
	}
	s.mu.Unlock()
	return ep.AddICECandidate(ctx, cand)
}

// Close releases the session's media objects and signaling channel.
// Idempotent; a second call is a no-op.
func (s *ParticipantSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ctx := context.Background()
	var firstErr error
	for name, ep := range s.incoming {
		if err := ep.Release(ctx); err != nil {
			log.Warn().Err(err).Str("module", "core.session").
				Str("participant", string(s.name)).Str("from", string(name)).
				Msg("could not release receiving endpoint")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.incoming = make(map[domain.ParticipantName]media.WebRTCEndpoint)
	if err := s.hubPort.Release(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := s.publisher.Release(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	}
	s.signal.Close()
	log.Debug().Str("module", "core.session").
		Str("participant", string(s.name)).Str("room", string(s.roomName)).
		Msg("session closed")
	return firstErr
}

// forwardCandidates relays engine-gathered candidates for the endpoint
// negotiating with from back over the signaling channel.
func (s *ParticipantSession) forwardCandidates(ep media.WebRTCEndpoint, from domain.ParticipantName) {
	ep.OnICECandidate(func(c media.ICECandidate) {
		msg := struct {
			ID        string             `json:"id"`
			Name      string             `json:"name"`
			Candidate media.ICECandidate `json:"candidate"`
		}{"iceCandidate", string(from), c}
		if err := s.SendMessage(msg); err != nil {
			log.Debug().Err(err).Str("module", "core.session").
				Str("participant", string(s.name)).Msg("could not forward candidate")
		}
	})
}

func releaseQuiet(ctx context.Context, el media.Element, room string) {
	if err := el.Release(ctx); err != nil {
		log.Warn().Err(err).Str("module", "core.session").Str("room", room).Msg("rollback release failed")
	}
}
