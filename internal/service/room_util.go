package service

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"party-room-be/internal/service/dto"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrGameInProgress   = errors.New("game already in progress")
	ErrRoomFull         = errors.New("room is full")
	ErrPermissionDenied = errors.New("permission denied")
	ErrPlayerNotInRoom  = errors.New("player not in room")
	ErrAlreadyInRoom    = errors.New("player already in another room")
	ErrInvalidTarget    = errors.New("invalid kick target")
	ErrInvalidState     = errors.New("invalid room state transition")
	ErrInvalidSettings  = errors.New("invalid room settings")
	ErrInvalidRequest   = errors.New("invalid request")
)

const (
	ROOM_CODE_LENGTH = 6
	ROOM_CODE_CHARS  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DEFAULT_ROOM_MAX_IDLE = time.Hour
)

func GenRoomCode() (string, error) {
	code := make([]byte, ROOM_CODE_LENGTH)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(ROOM_CODE_CHARS))))
		if err != nil {
			return "", err
		}
		code[i] = ROOM_CODE_CHARS[n.Int64()]
	}

	return string(code), nil
}

// GenPlayerID 生成短玩家 ID，取 UUIDv7 的随机尾部
func GenPlayerID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	s := id.String()
	return s[len(s)-12:]
}

func isRoomStale(room *dto.Room, now time.Time, maxAge time.Duration) bool {
	return now.Sub(room.LastActivity) > maxAge
}

// removeByID 按 ID 从列表中移除一个参与者，保持剩余顺序
func removeByID(list []dto.Player, playerID string) ([]dto.Player, bool) {
	for i, p := range list {
		if p.ID == playerID {
			return append(list[:i:i], list[i+1:]...), true
		}
	}

	return list, false
}
