package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketName       = []byte("identity")
	participantIdKey = []byte("participant_id")
)

type Identity struct {
	ParticipantId string
}

// Load returns the stable participant id persisted at path, generating
// and storing a fresh one on first run. The id survives restarts so a
// rejoining participant is recognized by the room instead of counted as
// a new member.
func Load(path string) (*Identity, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity db: %w", err)
	}
	defer db.Close()

	var participantId string
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}

		if stored := bucket.Get(participantIdKey); stored != nil {
			participantId = string(stored)
			return nil
		}

		participantId = uuid.NewString()
		return bucket.Put(participantIdKey, []byte(participantId))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return &Identity{ParticipantId: participantId}, nil
}
