package controller

import "context"

type ctxKey string

const (
	roomIdKey ctxKey = "room_id"
)

func (c controller) getRoomIdFromCtx(ctx context.Context) string {
	roomId, _ := ctx.Value(roomIdKey).(string)
	return roomId
}

func (c controller) setRoomIdToCtx(ctx context.Context, roomId string) context.Context {
	return context.WithValue(ctx, roomIdKey, roomId)
}
