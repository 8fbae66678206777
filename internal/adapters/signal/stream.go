package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/core"
	"github.com/lexpr/groupcall/internal/domain"
	"github.com/lexpr/groupcall/internal/media"
)

// session resolves the participant bound to sid, replying with an error
// message when the connection never joined a room.
func (ctl *SignalWSController) session(sid core.SessionID, conn *wsSignalConn) (*core.ParticipantSession, bool) {
	sess, ok := ctl.Registry.BySID(sid)
	if !ok {
		ctl.sendError(conn, "not in a room")
		return nil, false
	}
	return sess, true
}

func (ctl *SignalWSController) handleSubscribe(
	ctx context.Context,
	sid core.SessionID,
	conn *wsSignalConn,
	data []byte,
) {
	type subscribePayload struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		SDPOffer string `json:"sdpOffer"`
	}
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad subscribe payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	sess, ok := ctl.session(sid, conn)
	if !ok {
		return
	}
	room, ok := ctl.Rooms.Get(sess.RoomName())
	if !ok {
		ctl.sendError(conn, "room is gone")
		return
	}
	target, ok := room.Participant(domain.ParticipantName(p.Name))
	if !ok {
		ctl.sendError(conn, "no such participant")
		return
	}

	answer, err := sess.ReceiveStreamFrom(ctx, target, p.SDPOffer)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).
			Str("target", p.Name).Msg("subscribe failed")
		ctl.sendError(conn, "could not subscribe")
		return
	}

	resp := struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		SDPAnswer string `json:"sdpAnswer"`
	}{"videoAnswer", p.Name, answer}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleUnsubscribe(
	ctx context.Context,
	sid core.SessionID,
	conn *wsSignalConn,
	data []byte,
) {
	type unsubscribePayload struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	var p unsubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad unsubscribe payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	sess, ok := ctl.session(sid, conn)
	if !ok {
		return
	}
	sess.CancelStreamFrom(ctx, domain.ParticipantName(p.Name))
}

func (ctl *SignalWSController) handleIceCandidate(
	ctx context.Context,
	sid core.SessionID,
	conn *wsSignalConn,
	data []byte,
) {
	type candidatePayload struct {
		ID        string             `json:"id"`
		Name      string             `json:"name"`
		Candidate media.ICECandidate `json:"candidate"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	sess, ok := ctl.session(sid, conn)
	if !ok {
		return
	}
	if err := sess.AddICECandidate(ctx, domain.ParticipantName(p.Name), p.Candidate); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).
			Str("from", p.Name).Msg("candidate dropped")
	}
}
