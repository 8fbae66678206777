package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/core"
	"github.com/lexpr/groupcall/internal/domain"
)

func (ctl *SignalWSController) handleJoin(
	ctx context.Context,
	sid core.SessionID,
	conn *wsSignalConn,
	data []byte,
) {
	type joinPayload struct {
		ID   string `json:"id"`
		Room string `json:"room"`
		Name string `json:"name"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	roomName, err := domain.NewRoomName(p.Room)
	if err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	name, err := domain.NewParticipantName(p.Name)
	if err != nil {
		ctl.sendError(conn, err.Error())
		return
	}

	if _, ok := ctl.Registry.BySID(sid); ok {
		ctl.sendError(conn, "already in a room")
		return
	}

	room, err := ctl.Rooms.GetOrCreate(ctx, roomName)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("room", p.Room).Msg("could not create room")
		ctl.sendError(conn, "room unavailable")
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).
		Str("room", p.Room).Str("name", p.Name).Msg("join")
	sess, err := room.Join(ctx, name, conn)
	if err != nil {
		if errors.Is(err, core.ErrNameTaken) {
			ctl.sendError(conn, "name already taken")
			return
		}
		log.Error().Err(err).Str("module", "signal").Str("room", p.Room).Str("name", p.Name).Msg("join failed")
		ctl.sendError(conn, "could not join room")
		return
	}
	ctl.Registry.Register(sid, sess)
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, sid core.SessionID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.leaveCurrentRoom(ctx, sid)
}
