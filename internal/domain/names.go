// Package domain contains validated identifier types, no logic beyond that.
package domain

import "errors"

const (
	MaxRoomNameLen        = 36
	MaxParticipantNameLen = 36
)

var (
	ErrRoomNameEmpty          = errors.New("room name empty")
	ErrRoomNameTooLong        = errors.New("room name too long")
	ErrParticipantNameEmpty   = errors.New("participant name empty")
	ErrParticipantNameTooLong = errors.New("participant name too long")
)

type RoomName string

type ParticipantName string

func NewRoomName(raw string) (RoomName, error) {
	if len(raw) == 0 {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

func NewParticipantName(raw string) (ParticipantName, error) {
	if len(raw) == 0 {
		return "", ErrParticipantNameEmpty
	}
	if len(raw) > MaxParticipantNameLen {
		return "", ErrParticipantNameTooLong
	}
	return ParticipantName(raw), nil
}
