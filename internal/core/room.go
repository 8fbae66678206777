package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/domain"
	"github.com/lexpr/groupcall/internal/media"
)

var (
	ErrNameTaken     = errors.New("participant name already taken")
	ErrRoomClosed    = errors.New("room closed")
	ErrSessionClosed = errors.New("session closed")
	ErrNoSuchStream  = errors.New("no stream from that participant")
)

// Room owns the participant set and the room's media topology: one pipeline,
// one composite hub every participant publishes into, and a lazily created
// audio/video recorder pair on the hub's output.
//
// One mutex serializes membership mutation together with the first-join
// recording decision, so two concurrent first joiners cannot both start it.
type Room struct {
	name          domain.RoomName
	pipeline      media.Pipeline
	composite     media.Hub
	hubOutput     media.HubPort
	recordingBase string

	mu            sync.RWMutex
	participants  map[domain.ParticipantName]*ParticipantSession
	recorderAudio media.Recorder
	recorderVideo media.Recorder
	closed        bool
}

// NewRoom builds the fixed topology (composite hub plus its output port) on
// the given pipeline. recordingBase carries the process-start stamp.
func NewRoom(ctx context.Context, name domain.RoomName, pipeline media.Pipeline, recordingBase string) (*Room, error) {
	composite, err := pipeline.NewComposite(ctx)
	if err != nil {
		return nil, fmt.Errorf("create composite: %w", err)
	}
	hubOutput, err := composite.NewPort(ctx)
	if err != nil {
		return nil, fmt.Errorf("create composite output: %w", err)
	}
	log.Info().Str("module", "core.room").Str("room", string(name)).Msg("room created")
	return &Room{
		name:          name,
		pipeline:      pipeline,
		composite:     composite,
		hubOutput:     hubOutput,
		recordingBase: recordingBase,
		participants:  make(map[domain.ParticipantName]*ParticipantSession),
	}, nil
}

func (r *Room) Name() domain.RoomName { return r.name }

func (r *Room) Participant(name domain.ParticipantName) (*ParticipantSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.participants[name]
	return s, ok
}

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Join admits a participant. The whole admission runs in the room's critical
// section: duplicate check, media wiring, the 0->1 recording transition and
// the membership commit are one atomic step with respect to other joins.
// Notification failures never fail the admission.
func (r *Room) Join(ctx context.Context, name domain.ParticipantName, conn SignalConnection) (*ParticipantSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, ok := r.participants[name]; ok {
		return nil, ErrNameTaken
	}
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("participant", string(name)).Msg("adding participant")

	sess, err := newParticipantSession(ctx, name, r.name, conn, r.pipeline, r.composite)
	if err != nil {
		return nil, fmt.Errorf("wire participant %s: %w", name, err)
	}

	// Recorders are created once per room lifetime, on the very first join.
	if len(r.participants) == 0 && r.recorderAudio == nil {
		if err := r.startRecording(ctx, sess); err != nil {
			if cerr := sess.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("module", "core.room").Str("room", string(r.name)).Msg("rollback session close failed")
			}
			return nil, fmt.Errorf("start recording: %w", err)
		}
	}

	r.participants[name] = sess
	r.notifyArrived(sess)
	r.sendRoster(sess)
	return sess, nil
}

// Leave removes the participant and announces the departure. Leaving a
// session that is not a member is a no-op.
func (r *Room) Leave(ctx context.Context, sess *ParticipantSession) {
	r.mu.Lock()
	if r.participants[sess.name] != sess {
		r.mu.Unlock()
		return
	}
	delete(r.participants, sess.name)
	remaining := r.snapshot()
	r.mu.Unlock()

	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Str("participant", string(sess.name)).Msg("participant leaving")

	msg := struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{"participantLeft", string(sess.name)}
	var unnotified []string
	for _, p := range remaining {
		p.CancelStreamFrom(ctx, sess.name)
		if err := p.SendMessage(msg); err != nil {
			unnotified = append(unnotified, string(p.name))
		}
	}
	if len(unnotified) > 0 {
		log.Debug().Str("module", "core.room").Str("room", string(r.name)).
			Strs("participants", unnotified).Str("left", string(sess.name)).
			Msg("participants could not be notified of departure")
	}

	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.name)).
			Str("participant", string(sess.name)).Msg("could not close leaving session")
	}
}

// Close shuts every remaining session, clears membership and releases the
// pipeline without waiting for the engine. Terminal.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	parts := r.snapshot()
	r.participants = make(map[domain.ParticipantName]*ParticipantSession)
	r.mu.Unlock()

	for _, p := range parts {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.name)).
				Str("participant", string(p.name)).Msg("could not close participant")
		}
	}

	r.releasePipeline()
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Msg("room closed")
}

// CloseIfEmpty closes the room only when no participant remains, reporting
// whether it did. The membership check and the transition to closed are one
// atomic step, so a join committing concurrently keeps the room alive.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	if r.closed || len(r.participants) > 0 {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()

	r.releasePipeline()
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Msg("empty room closed")
	return true
}

func (r *Room) releasePipeline() {
	name := string(r.name)
	r.pipeline.Release(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "core.room").Str("room", name).Msg("could not release pipeline")
			return
		}
		log.Debug().Str("module", "core.room").Str("room", name).Msg("pipeline released")
	})
}

// startRecording builds the audio/video recorder pair, wires the composite
// output into the audio sink and the first participant's published stream
// into the video sink, and starts both. On any failure everything built here
// is rolled back so a later join may retry the transition.
func (r *Room) startRecording(ctx context.Context, first *ParticipantSession) error {
	audio, err := r.pipeline.NewRecorder(ctx,
		fmt.Sprintf("%s-%s-audio.mp4", r.recordingBase, r.name), media.ProfileMP4AudioOnly)
	if err != nil {
		return err
	}
	video, err := r.pipeline.NewRecorder(ctx,
		fmt.Sprintf("%s-%s-video.webm", r.recordingBase, r.name), media.ProfileWebMVideoOnly)
	if err != nil {
		r.abortRecording(ctx, audio, nil)
		return err
	}

	// The state handlers observe and log, nothing else.
	room := string(r.name)
	for kind, rec := range map[string]media.Recorder{"audio": audio, "video": video} {
		k := kind
		if err := rec.OnStateChanged(func(ev media.RecorderEvent) {
			log.Info().Str("module", "core.room").Str("room", room).
				Str("track", k).Str("state", string(ev.State)).Msg("recorder state")
		}); err != nil {
			r.abortRecording(ctx, audio, video)
			return err
		}
	}

	if err := r.hubOutput.Connect(ctx, audio); err != nil {
		r.abortRecording(ctx, audio, video)
		return err
	}
	if err := first.publisher.Connect(ctx, video); err != nil {
		r.abortRecording(ctx, audio, video)
		return err
	}
	if err := video.Record(ctx); err != nil {
		r.abortRecording(ctx, audio, video)
		return err
	}
	if err := audio.Record(ctx); err != nil {
		r.abortRecording(ctx, audio, video)
		return err
	}

	r.recorderAudio = audio
	r.recorderVideo = video
	log.Info().Str("module", "core.room").Str("room", room).Msg("recording started")
	return nil
}

func (r *Room) abortRecording(ctx context.Context, audio, video media.Recorder) {
	for _, rec := range []media.Recorder{audio, video} {
		if rec == nil {
			continue
		}
		if err := rec.Release(ctx); err != nil {
			log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.name)).Msg("could not release recorder")
		}
	}
}

// notifyArrived announces the newcomer to everyone else. Best-effort: a
// failed delivery is recorded and summarized, never raised.
func (r *Room) notifyArrived(newcomer *ParticipantSession) {
	msg := struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{"newParticipantArrived", string(newcomer.name)}

	var unnotified []string
	for name, p := range r.participants {
		if name == newcomer.name {
			continue
		}
		if err := p.SendMessage(msg); err != nil {
			unnotified = append(unnotified, string(name))
		}
	}
	if len(unnotified) > 0 {
		log.Debug().Str("module", "core.room").Str("room", string(r.name)).
			Strs("participants", unnotified).Str("arrived", string(newcomer.name)).
			Msg("participants could not be notified of arrival")
	}
}

// sendRoster sends the newcomer the list of everyone already in the room.
func (r *Room) sendRoster(newcomer *ParticipantSession) {
	names := make([]string, 0, len(r.participants))
	for name := range r.participants {
		if name != newcomer.name {
			names = append(names, string(name))
		}
	}
	msg := struct {
		ID   string   `json:"id"`
		Data []string `json:"data"`
	}{"existingParticipants", names}
	if err := newcomer.SendMessage(msg); err != nil {
		log.Debug().Err(err).Str("module", "core.room").Str("room", string(r.name)).
			Str("participant", string(newcomer.name)).Msg("could not send roster")
	}
}

// snapshot must be called with r.mu held.
func (r *Room) snapshot() []*ParticipantSession {
	out := make([]*ParticipantSession, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}
