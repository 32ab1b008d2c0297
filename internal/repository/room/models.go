package room

import (
	"encoding/json"
	"fmt"
	"sort"
)

type ParticipantStatus string

const (
	StatusActive   ParticipantStatus = "active"
	StatusInactive ParticipantStatus = "inactive"
	StatusLeft     ParticipantStatus = "left"
)

// Participant is a room member as stored. Participants are never deleted
// while the room exists; leaving flips Status to left so that late or
// duplicate leave events stay idempotent.
type Participant struct {
	Id          string            `redis:"id" json:"id"`
	DisplayName string            `redis:"display_name" json:"display_name"`
	Instrument  string            `redis:"instrument" json:"instrument"`
	IsHost      bool              `redis:"is_host" json:"is_host"`
	Status      ParticipantStatus `redis:"status" json:"status"`
	IsInRoom    bool              `redis:"is_in_room" json:"is_in_room"`
	LastSeenAt  int64             `redis:"last_seen_at" json:"last_seen_at"`
	HeartbeatAt int64             `redis:"heartbeat_at" json:"heartbeat_at"`
	JoinedAt    int64             `redis:"joined_at" json:"joined_at"`
	LeftAt      int64             `redis:"left_at" json:"left_at"`
}

// ParticipantList is the canonical ordered participant collection.
// Older producers publish participants either as a JSON array or as an
// object keyed by participant id; both shapes normalize to a list ordered
// by join time on ingestion, so nothing downstream branches on shape.
type ParticipantList []Participant

func (l *ParticipantList) UnmarshalJSON(data []byte) error {
	var asList []Participant
	if err := json.Unmarshal(data, &asList); err == nil {
		*l = asList
		return nil
	}

	var asMap map[string]Participant
	if err := json.Unmarshal(data, &asMap); err != nil {
		return fmt.Errorf("participants are neither a list nor a map: %w", err)
	}

	list := make([]Participant, 0, len(asMap))
	for id, participant := range asMap {
		if participant.Id == "" {
			participant.Id = id
		}
		list = append(list, participant)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt != list[j].JoinedAt {
			return list[i].JoinedAt < list[j].JoinedAt
		}
		return list[i].Id < list[j].Id
	})

	*l = list
	return nil
}

func (l ParticipantList) Get(id string) (Participant, bool) {
	for _, participant := range l {
		if participant.Id == id {
			return participant, true
		}
	}

	return Participant{}, false
}

type Room struct {
	Id                       string          `redis:"id" json:"id"`
	Name                     string          `redis:"name" json:"name"`
	IsPublic                 bool            `redis:"is_public" json:"is_public"`
	MaxParticipants          int             `redis:"max_participants" json:"max_participants"`
	CreatorId                string          `redis:"creator_id" json:"creator_id"`
	CreatedAt                int64           `redis:"created_at" json:"created_at"`
	LastActivityAt           int64           `redis:"last_activity_at" json:"last_activity_at"`
	LastNoteAt               int64           `redis:"last_note_at" json:"last_note_at"`
	AutoCloseEnabled         bool            `redis:"auto_close_enabled" json:"auto_close_enabled"`
	InactivityTimeoutMinutes int             `redis:"inactivity_timeout_minutes" json:"inactivity_timeout_minutes"`
	Participants             ParticipantList `redis:"-" json:"participants"`
	PendingJoinRequests      []string        `redis:"-" json:"pending_join_requests,omitempty"`
}

// Update is one push from the store to a listener. A push replaces the
// listener's cached projection wholesale.
type Update struct {
	Room    *Room `json:"room,omitempty"`
	Deleted bool  `json:"deleted,omitempty"`
}
