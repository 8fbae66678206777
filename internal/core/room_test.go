package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpr/groupcall/internal/domain"
)

func newTestRoom(t *testing.T) (*Room, *fakePipeline) {
	t.Helper()
	p := &fakePipeline{}
	room, err := NewRoom(context.Background(), "test-room", p, "file:///tmp/run")
	require.NoError(t, err)
	return room, p
}

func mustJoin(t *testing.T, r *Room, name string) (*ParticipantSession, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess, err := r.Join(context.Background(), domain.ParticipantName(name), conn)
	require.NoError(t, err)
	return sess, conn
}

func TestRoomMembershipReplay(t *testing.T) {
	room, _ := newTestRoom(t)
	ctx := context.Background()

	alice, _ := mustJoin(t, room, "alice")
	bob, _ := mustJoin(t, room, "bob")
	mustJoin(t, room, "carol")

	room.Leave(ctx, bob)

	assert.Equal(t, 2, room.ParticipantCount())
	_, ok := room.Participant("alice")
	assert.True(t, ok)
	_, ok = room.Participant("bob")
	assert.False(t, ok)
	_, ok = room.Participant("carol")
	assert.True(t, ok)

	room.Leave(ctx, alice)
	assert.Equal(t, 1, room.ParticipantCount())
}

func TestRoomJoinDuplicateNameRejected(t *testing.T) {
	room, p := newTestRoom(t)

	mustJoin(t, room, "alice")
	endpointsBefore := len(p.endpoints)

	conn := &fakeConn{}
	_, err := room.Join(context.Background(), "alice", conn)
	assert.ErrorIs(t, err, ErrNameTaken)

	assert.Equal(t, 1, room.ParticipantCount())
	assert.Equal(t, endpointsBefore, len(p.endpoints), "rejected join must not touch the engine")
	assert.Equal(t, 0, conn.messageCount(), "rejected join must not receive a roster")
	assert.Equal(t, 2, p.recorderCount())
}

func TestRecordingStartsOnFirstJoin(t *testing.T) {
	room, p := newTestRoom(t)

	mustJoin(t, room, "alice")

	require.Equal(t, 2, p.recorderCount())
	audio, video := p.recorders[0], p.recorders[1]
	assert.True(t, strings.HasSuffix(audio.id, "-audio.mp4"), audio.id)
	assert.True(t, strings.HasSuffix(video.id, "-video.webm"), video.id)
	assert.Contains(t, audio.id, "test-room")
	assert.True(t, audio.recording)
	assert.True(t, video.recording)

	// Composite output feeds the audio sink, the first publisher the video sink.
	hubOutput := p.ports[0]
	assert.True(t, hubOutput.connectedTo(audio.id))
	assert.True(t, p.endpoints[0].connectedTo(video.id))
}

func TestRecordingStartsExactlyOncePerRoom(t *testing.T) {
	room, p := newTestRoom(t)
	ctx := context.Background()

	alice, _ := mustJoin(t, room, "alice")
	room.Leave(ctx, alice)
	require.Equal(t, 0, room.ParticipantCount())

	mustJoin(t, room, "bob")
	carol, _ := mustJoin(t, room, "carol")
	room.Leave(ctx, carol)
	mustJoin(t, room, "dave")

	assert.Equal(t, 2, p.recorderCount(), "recorder pair must never be recreated")
}

func TestConcurrentFirstJoinStartsRecordingOnce(t *testing.T) {
	room, p := newTestRoom(t)

	names := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := room.Join(context.Background(), domain.ParticipantName(name), &fakeConn{})
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	assert.Equal(t, len(names), room.ParticipantCount())
	assert.Equal(t, 2, p.recorderCount())
}

func TestRecorderFailureRollsBackJoin(t *testing.T) {
	room, p := newTestRoom(t)
	p.recorderErr = errors.New("engine out of disk")

	conn := &fakeConn{}
	_, err := room.Join(context.Background(), "alice", conn)
	require.Error(t, err)

	assert.Equal(t, 0, room.ParticipantCount())
	require.NotEmpty(t, p.endpoints)
	assert.True(t, p.endpoints[0].released, "publisher must be rolled back")

	// The transition is retried by the next first joiner.
	p.recorderErr = nil
	mustJoin(t, room, "bob")
	assert.Equal(t, 2, p.recorderCount())
}

func TestBroadcastIsolatesDeliveryFailures(t *testing.T) {
	room, _ := newTestRoom(t)

	_, aliceConn := mustJoin(t, room, "alice")
	_, bobConn := mustJoin(t, room, "bob")
	aliceConn.failing = true

	_, carolConn := mustJoin(t, room, "carol")

	var arrived []string
	for _, m := range bobConn.messages() {
		if m["id"] == "newParticipantArrived" {
			arrived = append(arrived, m["name"].(string))
		}
	}
	assert.Equal(t, []string{"carol"}, arrived, "bob must still be notified")

	roster := carolConn.lastMessage()
	require.NotNil(t, roster)
	assert.Equal(t, "existingParticipants", roster["id"])
	assert.ElementsMatch(t, []any{"alice", "bob"}, roster["data"])
}

func TestLeaveUnknownParticipantIsNoop(t *testing.T) {
	room, _ := newTestRoom(t)
	ctx := context.Background()

	alice, aliceConn := mustJoin(t, room, "alice")
	_, bobConn := mustJoin(t, room, "bob")

	room.Leave(ctx, alice)
	sent := bobConn.messageCount()
	assert.Equal(t, 1, aliceConn.closed)

	room.Leave(ctx, alice)
	assert.Equal(t, sent, bobConn.messageCount(), "second leave must not broadcast")
	assert.Equal(t, 1, aliceConn.closed, "session close is idempotent")
}

func TestLeaveTearsDownReceivingEndpoints(t *testing.T) {
	room, p := newTestRoom(t)
	ctx := context.Background()

	alice, _ := mustJoin(t, room, "alice")
	bob, _ := mustJoin(t, room, "bob")

	_, err := bob.ReceiveStreamFrom(ctx, alice, "offer")
	require.NoError(t, err)
	receiving := p.endpoints[len(p.endpoints)-1]

	room.Leave(ctx, alice)
	assert.True(t, receiving.released, "bob's endpoint toward alice must be released")
}

func TestRoomCloseClosesEverySession(t *testing.T) {
	room, p := newTestRoom(t)

	_, aliceConn := mustJoin(t, room, "alice")
	_, bobConn := mustJoin(t, room, "bob")
	_, carolConn := mustJoin(t, room, "carol")
	// Make bob's publisher fail its release; alice and carol must still close.
	p.endpoints[1].releaseErr = errors.New("release refused")

	room.Close()

	assert.Equal(t, 1, aliceConn.closed)
	assert.Equal(t, 1, bobConn.closed)
	assert.Equal(t, 1, carolConn.closed)
	assert.Equal(t, 0, room.ParticipantCount())
	assert.Equal(t, 1, p.releases)

	room.Close()
	assert.Equal(t, 1, p.releases, "pipeline release fires exactly once")

	_, err := room.Join(context.Background(), "dave", &fakeConn{})
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestCloseIfEmpty(t *testing.T) {
	room, p := newTestRoom(t)
	ctx := context.Background()

	alice, _ := mustJoin(t, room, "alice")
	assert.False(t, room.CloseIfEmpty(), "occupied room must stay open")
	assert.Equal(t, 0, p.releases)

	_, err := room.Join(ctx, "bob", &fakeConn{})
	require.NoError(t, err, "a failed CloseIfEmpty must not poison the room")

	bob, _ := room.Participant("bob")
	room.Leave(ctx, bob)
	room.Leave(ctx, alice)

	assert.True(t, room.CloseIfEmpty())
	assert.Equal(t, 1, p.releases)

	assert.False(t, room.CloseIfEmpty(), "already closed")
	assert.Equal(t, 1, p.releases)

	_, err = room.Join(ctx, "carol", &fakeConn{})
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestJoinLeaveScenario(t *testing.T) {
	room, p := newTestRoom(t)
	ctx := context.Background()

	alice, aliceConn := mustJoin(t, room, "alice")

	msgs := aliceConn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "existingParticipants", msgs[0]["id"])
	assert.Empty(t, msgs[0]["data"])

	_, bobConn := mustJoin(t, room, "bob")

	roster := bobConn.lastMessage()
	assert.Equal(t, "existingParticipants", roster["id"])
	assert.Equal(t, []any{"alice"}, roster["data"])

	last := aliceConn.lastMessage()
	assert.Equal(t, "newParticipantArrived", last["id"])
	assert.Equal(t, "bob", last["name"])

	room.Leave(ctx, alice)

	last = bobConn.lastMessage()
	assert.Equal(t, "participantLeft", last["id"])
	assert.Equal(t, "alice", last["name"])
	assert.True(t, p.endpoints[0].released, "alice's publisher must be released")
}
