package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// UserRegistry maps transport connections to the participant session they are
// bound to, across rooms. The signaling dispatcher uses it to route inbound
// messages.
type UserRegistry struct {
	mu    sync.RWMutex
	bySID map[SessionID]*ParticipantSession
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{bySID: make(map[SessionID]*ParticipantSession)}
}

func (r *UserRegistry) Register(sid SessionID, sess *ParticipantSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = sess
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).
		Str("participant", string(sess.Name())).Msg("bound session")
}

func (r *UserRegistry) BySID(sid SessionID) (*ParticipantSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.bySID[sid]
	return sess, ok
}

func (r *UserRegistry) Unregister(sid SessionID) (*ParticipantSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.bySID[sid]
	if ok {
		delete(r.bySID, sid)
		log.Info().Str("module", "core.registry").Str("sid", string(sid)).Msg("unbound session")
	}
	return sess, ok
}
