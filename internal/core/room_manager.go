package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lexpr/groupcall/internal/domain"
	"github.com/lexpr/groupcall/internal/media"
)

// RoomManager owns the set of live rooms. Each room is backed by a fresh
// engine pipeline created exactly once per name, even under concurrent
// lookups.
type RoomManager struct {
	engine        media.Engine
	recordingBase string

	mu    sync.RWMutex
	rooms map[domain.RoomName]*Room
}

// NewRoomManager takes the engine handle and the recording base URI, which
// already carries the per-process start stamp.
func NewRoomManager(engine media.Engine, recordingBase string) *RoomManager {
	return &RoomManager{
		engine:        engine,
		recordingBase: recordingBase,
		rooms:         make(map[domain.RoomName]*Room),
	}
}

func (m *RoomManager) GetOrCreate(ctx context.Context, name domain.RoomName) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[name]; ok {
		return room, nil
	}
	pipeline, err := m.engine.NewPipeline(ctx)
	if err != nil {
		return nil, fmt.Errorf("create pipeline for room %s: %w", name, err)
	}
	room, err = NewRoom(ctx, name, pipeline, m.recordingBase)
	if err != nil {
		pipeline.Release(func(rerr error) {
			if rerr != nil {
				log.Warn().Err(rerr).Str("module", "core.rooms").Str("room", string(name)).Msg("could not release pipeline")
			}
		})
		return nil, fmt.Errorf("create room %s: %w", name, err)
	}
	m.rooms[name] = room
	return room, nil
}

func (m *RoomManager) Get(name domain.RoomName) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[name]
	return room, ok
}

// Remove forgets the room and closes it. A closed room is never returned by
// a later lookup; the next GetOrCreate for the name builds a new one.
func (m *RoomManager) Remove(name domain.RoomName) {
	m.mu.Lock()
	room, ok := m.rooms[name]
	if ok {
		delete(m.rooms, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	room.Close()
	log.Info().Str("module", "core.rooms").Str("room", string(name)).Msg("room removed")
}

// RemoveIfEmpty closes and forgets the room only when its membership is zero,
// reporting whether it did. Unlike Remove, the emptiness check and the close
// are atomic with respect to a racing join: a participant who commits first
// keeps the room registered.
func (m *RoomManager) RemoveIfEmpty(name domain.RoomName) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[name]
	if !ok || !room.CloseIfEmpty() {
		return false
	}
	delete(m.rooms, name)
	log.Info().Str("module", "core.rooms").Str("room", string(name)).Msg("empty room removed")
	return true
}

// Shutdown closes every live room. Used on process exit.
func (m *RoomManager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[domain.RoomName]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}
