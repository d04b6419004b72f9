package queue

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/websocket"
)

// EventQueueChanged tells waiting-room boards to refetch progress.
const EventQueueChanged = "queue.changed"

// BoardTopic is the websocket topic carrying changes to one queue.
func BoardTopic(k ProgressKey) string {
	return "queue:" + k.String()
}

// LiveBoard wraps a ProgressCache and announces every invalidation on the
// queue's board topic. Invalidations only happen after commit, so boards
// never see an uncommitted change.
type LiveBoard struct {
	ProgressCache
	pub    websocket.Publisher
	logger zerolog.Logger
}

func NewLiveBoard(inner ProgressCache, pub websocket.Publisher, logger zerolog.Logger) *LiveBoard {
	if inner == nil {
		inner = nopCache{}
	}
	return &LiveBoard{ProgressCache: inner, pub: pub, logger: logger}
}

type boardChange struct {
	DoctorID string `json:"doctor_id"`
	ClinicID string `json:"clinic_id"`
	Date     string `json:"date"`
}

func (b *LiveBoard) Invalidate(ctx context.Context, k ProgressKey) {
	b.ProgressCache.Invalidate(ctx, k)

	data, _ := json.Marshal(boardChange{
		DoctorID: k.DoctorID.String(),
		ClinicID: k.ClinicID.String(),
		Date:     DateOnly(k.Date).Format("2006-01-02"),
	})
	err := b.pub.Publish(ctx, websocket.Event{Type: EventQueueChanged, Topic: BoardTopic(k), Data: data})
	if err != nil {
		b.logger.Warn().Err(err).Str("queue", k.String()).Msg("board publish failed")
	}
}
