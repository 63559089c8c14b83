package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/webrtc-meet/backend/model"
)

var (
	ErrRoomIsFull     = errors.New("room is full")
	ErrRoomNotFound   = errors.New("room is not found")
	ErrNotFound       = errors.New("participant is not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownField   = errors.New("unknown state field")
	ErrEmptyRoomID    = errors.New("room id is empty")
	ErrEmptyConnectID = errors.New("connection id is empty")
)

type (
	member struct {
		participant model.Participant
		seq         uint64
	}

	room struct {
		id      string
		members map[string]*member
	}

	// MemStore is the process-wide room registry.
	// All mutations happen under a single mutex, so every operation
	// observes and leaves the registry in a consistent state.
	MemStore struct {
		mx              *sync.Mutex
		db              map[string]*room
		conns           map[string]string // connection id -> room id
		seq             uint64
		maxParticipants int
	}
)

// NewMemStore creates registry. maxParticipants <= 0 means rooms are unbounded.
func NewMemStore(maxParticipants int) *MemStore {
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*room),
		conns:           make(map[string]string),
		maxParticipants: maxParticipants,
	}
}

// Join registers connection in the room, allocating the room if needed.
// Any previous entry of the same connection is replaced, even if it
// belongs to another room. Returned participants exclude the joiner.
func (ms *MemStore) Join(
	connID, roomID, displayName string,
	opts ...model.ParticipantOption,
) (created bool, existing []model.Participant, err error) {
	if connID == "" {
		return false, nil, errors.Join(ErrInvalidInput, ErrEmptyConnectID)
	}
	if roomID == "" {
		return false, nil, errors.Join(ErrInvalidInput, ErrEmptyRoomID)
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if ok && ms.maxParticipants > 0 && len(r.members) >= ms.maxParticipants {
		if _, isMember := r.members[connID]; !isMember {
			return false, nil, ErrRoomIsFull
		}
	}

	ms.leave(connID)

	// room could have been removed by leave() if connection was its only member
	r, ok = ms.db[roomID]
	if !ok {
		r = &room{
			id:      roomID,
			members: make(map[string]*member),
		}
		ms.db[roomID] = r
		created = true
	}

	existing = r.participants()

	p := model.Participant{
		ID:           connID,
		DisplayName:  displayName,
		AudioEnabled: true,
		VideoEnabled: true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	ms.seq++
	r.members[connID] = &member{participant: p, seq: ms.seq}
	ms.conns[connID] = roomID
	return created, existing, nil
}

// Leave removes connection from its room. The room is deleted once empty.
func (ms *MemStore) Leave(connID string) (roomID string, remaining int, ok bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.leave(connID)
}

func (ms *MemStore) leave(connID string) (string, int, bool) {
	roomID, ok := ms.conns[connID]
	if !ok {
		return "", 0, false
	}
	delete(ms.conns, connID)

	r, ok := ms.db[roomID]
	if !ok {
		return roomID, 0, true
	}
	delete(r.members, connID)
	if len(r.members) == 0 {
		delete(ms.db, roomID)
	}
	return roomID, len(r.members), true
}

// UpdateState flips media flag of connection's own participant record.
func (ms *MemStore) UpdateState(connID string, field model.StateField, enabled bool) (model.Participant, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.conns[connID]
	if !ok {
		return model.Participant{}, ErrNotFound
	}
	m, ok := ms.db[roomID].members[connID]
	if !ok {
		return model.Participant{}, ErrNotFound
	}

	switch field {
	case model.FieldAudio:
		m.participant.AudioEnabled = enabled
	case model.FieldVideo:
		m.participant.VideoEnabled = enabled
	default:
		return model.Participant{}, errors.Join(ErrInvalidInput, ErrUnknownField)
	}
	return m.participant, nil
}

func (ms *MemStore) RoomOf(connID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.conns[connID]
	return roomID, ok
}

// Participant returns connection's own participant record.
func (ms *MemStore) Participant(connID string) (model.Participant, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.conns[connID]
	if !ok {
		return model.Participant{}, false
	}
	m, ok := ms.db[roomID].members[connID]
	if !ok {
		return model.Participant{}, false
	}
	return m.participant, true
}

// ParticipantsOf returns room members in join order.
func (ms *MemStore) ParticipantsOf(roomID string) []model.Participant {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil
	}
	return r.participants()
}

// GetRoom returns a snapshot of the room.
func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	snapshot := &model.Room{
		ID:           r.id,
		Participants: make(map[string]model.Participant, len(r.members)),
	}
	for id, m := range r.members {
		snapshot.Participants[id] = m.participant
	}
	return snapshot, nil
}

func (ms *MemStore) Stats() (rooms int, participants int) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return len(ms.db), len(ms.conns)
}

func (r *room) participants() []model.Participant {
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].seq < members[j].seq
	})
	out := make([]model.Participant, 0, len(members))
	for _, m := range members {
		out = append(out, m.participant)
	}
	return out
}
