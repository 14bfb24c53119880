// Package signaling implements the rtc_signal core: the per-(agent,
// room, rtc) state machine that drives a client's WebRTC offer/answer
// exchange through backend selection and plugin negotiation, plus the
// CRUD surface (room/rtc/agent/stream) that the state machine's
// invariants depend on.
package signaling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/backend"
)

// Room is a persisted "room" row: an audience-scoped container with an
// optional open/close time window gating signaling.
type Room struct {
	ID           string
	Audience     string
	SourceRoomID *string
	TimeOpen     *time.Time
	TimeClose    *time.Time
	ClassroomID  string
}

// RTC is a signaling slot within a room, created independently of any
// agent signaling into it.
type RTC struct {
	ID          string
	RoomID      string
	CreatedByID backend.AgentID
}

// Agent is a presence row: an agent currently entered into a room.
type Agent struct {
	ID        string
	AgentID   AccountID
	RoomID    string
	EnteredAt time.Time
}

// AccountID is a client identity (label + account + audience), distinct
// from backend.AgentID only in having an account in addition to label.
type AccountID struct {
	Label    string
	Account  string
	Audience string
}

// Stream is a historical janus_rtc_stream row.
type Stream struct {
	ID          string
	RTCID       string
	BackendID   string
	Label       string
	SentByID    AccountID
	TimeStarted *time.Time
	TimeStopped *time.Time
}

// Store is the persistence layer backing the room/rtc/agent/stream CRUD
// surface.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RoomTimeRequirement constrains which rooms a query may return, mirroring
// the distinct "is this room usable right now" checks a room lookup needs
// depending on the calling operation.
type RoomTimeRequirement int

const (
	RoomTimeAny RoomTimeRequirement = iota
	RoomTimeNotClosed
	RoomTimeNotClosedOrUnboundedOpen
	RoomTimeOpen
)

// CreateRoom inserts a new room.
func (s *Store) CreateRoom(ctx context.Context, audience string, sourceRoomID *string, timeOpen, timeClose *time.Time) (*Room, error) {
	var room Room
	err := s.pool.QueryRow(ctx, `
		INSERT INTO room (id, audience, source_room_id, time_open, time_close)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, audience, source_room_id, time_open, time_close, classroom_id
	`, uuid.New(), audience, sourceRoomID, timeOpen, timeClose).Scan(
		&room.ID, &room.Audience, &room.SourceRoomID, &room.TimeOpen, &room.TimeClose, &room.ClassroomID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "create room")
	}
	return &room, nil
}

// ReadRoom finds a room by id, honouring a time requirement.
func (s *Store) ReadRoom(ctx context.Context, roomID string, req RoomTimeRequirement) (*Room, error) {
	return s.findRoom(ctx, `SELECT id, audience, source_room_id, time_open, time_close, classroom_id FROM room WHERE id = $1`, roomID, req)
}

// ReadRoomByRTCID finds the room owning an RTC.
func (s *Store) ReadRoomByRTCID(ctx context.Context, rtcID string, req RoomTimeRequirement) (*Room, error) {
	return s.findRoom(ctx, `
		SELECT room.id, room.audience, room.source_room_id, room.time_open, room.time_close, room.classroom_id
		FROM room JOIN rtc ON rtc.room_id = room.id WHERE rtc.id = $1
	`, rtcID, req)
}

func (s *Store) findRoom(ctx context.Context, query, arg string, req RoomTimeRequirement) (*Room, error) {
	var room Room
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&room.ID, &room.Audience, &room.SourceRoomID, &room.TimeOpen, &room.TimeClose, &room.ClassroomID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "room not found")
		}
		return nil, apperror.Wrap(err, apperror.KindDatabase, "find room")
	}

	if err := checkRoomTime(room, req); err != nil {
		return nil, err
	}
	return &room, nil
}

func checkRoomTime(room Room, req RoomTimeRequirement) error {
	now := time.Now()
	switch req {
	case RoomTimeAny:
		return nil
	case RoomTimeNotClosed:
		if room.TimeOpen == nil {
			return apperror.New(apperror.KindConflict, "room has no opening time")
		}
		if room.TimeClose != nil && room.TimeClose.Before(now) {
			return apperror.New(apperror.KindConflict, "room closed")
		}
		return nil
	case RoomTimeNotClosedOrUnboundedOpen:
		if room.TimeClose != nil && room.TimeClose.Before(now) {
			return apperror.New(apperror.KindConflict, "room closed")
		}
		return nil
	case RoomTimeOpen:
		if room.TimeOpen == nil || room.TimeOpen.After(now) {
			return apperror.New(apperror.KindConflict, "room not opened")
		}
		if room.TimeClose != nil && room.TimeClose.Before(now) {
			return apperror.New(apperror.KindConflict, "room closed")
		}
		return nil
	}
	return nil
}

// UpdateRoom adjusts a room's time window.
func (s *Store) UpdateRoom(ctx context.Context, roomID string, timeOpen, timeClose *time.Time) (*Room, error) {
	var room Room
	err := s.pool.QueryRow(ctx, `
		UPDATE room SET time_open = COALESCE($2, time_open), time_close = COALESCE($3, time_close)
		WHERE id = $1
		RETURNING id, audience, source_room_id, time_open, time_close, classroom_id
	`, roomID, timeOpen, timeClose).Scan(
		&room.ID, &room.Audience, &room.SourceRoomID, &room.TimeOpen, &room.TimeClose, &room.ClassroomID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "room not found")
		}
		return nil, apperror.Wrap(err, apperror.KindDatabase, "update room")
	}
	return &room, nil
}

// Enter registers agentID's presence in roomID, idempotently.
func (s *Store) Enter(ctx context.Context, roomID string, agentID AccountID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent (id, agent_label, agent_account, agent_audience, room_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_label, agent_account, agent_audience, room_id) DO NOTHING
	`, uuid.New(), agentID.Label, agentID.Account, agentID.Audience, roomID)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "enter room")
	}
	return nil
}

// Leave removes agentID's presence row in roomID.
func (s *Store) Leave(ctx context.Context, roomID string, agentID AccountID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM agent WHERE room_id = $1 AND agent_label = $2 AND agent_account = $3 AND agent_audience = $4
	`, roomID, agentID.Label, agentID.Account, agentID.Audience)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "leave room")
	}
	return nil
}

// CheckPresence errors unless agentID is present in roomID.
func (s *Store) CheckPresence(ctx context.Context, roomID string, agentID AccountID) error {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM agent WHERE room_id = $1 AND agent_label = $2 AND agent_account = $3 AND agent_audience = $4
	`, roomID, agentID.Label, agentID.Account, agentID.Audience).Scan(&count)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "check room presence")
	}
	if count == 0 {
		return apperror.New(apperror.KindAccessDenied, "agent is not online in the room")
	}
	return nil
}

// ListAgents returns the presence roster of roomID.
func (s *Store) ListAgents(ctx context.Context, roomID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_label, agent_account, agent_audience, room_id, entered_at
		FROM agent WHERE room_id = $1 ORDER BY entered_at ASC
	`, roomID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "list agents")
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.AgentID.Label, &a.AgentID.Account, &a.AgentID.Audience, &a.RoomID, &a.EnteredAt); err != nil {
			return nil, apperror.Wrap(err, apperror.KindDatabase, "scan agent")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateRTC inserts a new RTC slot owned by createdBy.
func (s *Store) CreateRTC(ctx context.Context, roomID string, createdBy backend.AgentID) (*RTC, error) {
	var rtc RTC
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rtc (id, room_id, created_by_label, created_by_audience)
		VALUES ($1, $2, $3, $4)
		RETURNING id, room_id, created_by_label, created_by_audience
	`, uuid.New(), roomID, createdBy.Label, createdBy.Audience).Scan(
		&rtc.ID, &rtc.RoomID, &rtc.CreatedByID.Label, &rtc.CreatedByID.Audience)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "create rtc")
	}
	return &rtc, nil
}

// ReadRTC finds an RTC by id.
func (s *Store) ReadRTC(ctx context.Context, rtcID string) (*RTC, error) {
	var rtc RTC
	err := s.pool.QueryRow(ctx, `
		SELECT id, room_id, created_by_label, created_by_audience FROM rtc WHERE id = $1
	`, rtcID).Scan(&rtc.ID, &rtc.RoomID, &rtc.CreatedByID.Label, &rtc.CreatedByID.Audience)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "rtc not found")
		}
		return nil, apperror.Wrap(err, apperror.KindDatabase, "find rtc")
	}
	return &rtc, nil
}

// ListRTCs returns every RTC slot in roomID.
func (s *Store) ListRTCs(ctx context.Context, roomID string) ([]RTC, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, created_by_label, created_by_audience FROM rtc WHERE room_id = $1
	`, roomID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "list rtcs")
	}
	defer rows.Close()

	var out []RTC
	for rows.Next() {
		var rtc RTC
		if err := rows.Scan(&rtc.ID, &rtc.RoomID, &rtc.CreatedByID.Label, &rtc.CreatedByID.Audience); err != nil {
			return nil, apperror.Wrap(err, apperror.KindDatabase, "scan rtc")
		}
		out = append(out, rtc)
	}
	return out, rows.Err()
}

// UpsertConnection records the handle an agent is using to signal into
// an RTC.
func (s *Store) UpsertConnection(ctx context.Context, agentRowID, rtcID string, handleID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_connection (id, agent_id, rtc_id, handle_id)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), agentRowID, rtcID, handleID)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "record agent connection")
	}
	return nil
}

// StartStream records a new janus_rtc_stream row for rtcID on the
// backend identified by backendID, resolving its registry row id by
// label+audience.
func (s *Store) StartStream(ctx context.Context, rtcID string, backendID backend.AgentID, label string, sentBy AccountID) (*Stream, error) {
	var stream Stream
	err := s.pool.QueryRow(ctx, `
		INSERT INTO janus_rtc_stream (id, rtc_id, backend_id, label, sent_by_label, sent_by_audience, time_started)
		VALUES ($1, $2, (SELECT id FROM backend WHERE agent_label = $3 AND agent_audience = $4), $5, $6, $7, now())
		RETURNING id, rtc_id, backend_id, label, sent_by_label, sent_by_audience, time_started, time_stopped
	`, uuid.New(), rtcID, backendID.Label, backendID.Audience, label, sentBy.Label, sentBy.Audience).Scan(
		&stream.ID, &stream.RTCID, &stream.BackendID, &stream.Label,
		&stream.SentByID.Label, &stream.SentByID.Audience, &stream.TimeStarted, &stream.TimeStopped)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "start stream")
	}
	return &stream, nil
}

// ListStreams returns every historical stream for roomID's RTCs.
func (s *Store) ListStreams(ctx context.Context, roomID string) ([]Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.rtc_id, s.backend_id, s.label, s.sent_by_label, s.sent_by_audience, s.time_started, s.time_stopped
		FROM janus_rtc_stream s JOIN rtc ON rtc.id = s.rtc_id
		WHERE rtc.room_id = $1
		ORDER BY s.created_at ASC
	`, roomID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "list streams")
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var s2 Stream
		if err := rows.Scan(&s2.ID, &s2.RTCID, &s2.BackendID, &s2.Label, &s2.SentByID.Label, &s2.SentByID.Audience, &s2.TimeStarted, &s2.TimeStopped); err != nil {
			return nil, apperror.Wrap(err, apperror.KindDatabase, "scan stream")
		}
		out = append(out, s2)
	}
	return out, rows.Err()
}
