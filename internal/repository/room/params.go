package room

type CreateRoomParams struct {
	Id                       string
	Name                     string
	IsPublic                 bool
	MaxParticipants          int
	CreatorId                string
	CreatedAt                int64
	AutoCloseEnabled         bool
	InactivityTimeoutMinutes int
}

type SetParticipantParams struct {
	RoomId      string
	Participant Participant
}

type UpdateParticipantParams struct {
	RoomId        string
	ParticipantId string
	DisplayName   *string
	Instrument    *string
	Status        *ParticipantStatus
	IsInRoom      *bool
	LastSeenAt    *int64
	HeartbeatAt   *int64
	LeftAt        *int64
}

type GetParticipantParams struct {
	RoomId        string
	ParticipantId string
}

type SetRoomActivityParams struct {
	RoomId         string
	LastActivityAt *int64
	LastNoteAt     *int64
}

type TouchPresenceParams struct {
	RoomId        string
	ParticipantId string
}

type JoinRequestParams struct {
	RoomId        string
	ParticipantId string
}
