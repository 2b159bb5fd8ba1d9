package state

import (
	"party-room-be/internal/config"
	"party-room-be/internal/service"
)

type AppState struct {
	Cfg   *config.AppConfig
	Rooms *service.RoomCoordinator
	Hub   *service.Hub
}

// NewAppState 组装应用状态，房间被清理时通过 Hub 通知其中的参与者
func NewAppState(cfg *config.AppConfig) *AppState {
	hub := service.NewHub()

	return &AppState{
		Cfg:   cfg,
		Rooms: service.NewRoomCoordinator(service.WithEvictionHook(hub.NotifyRoomClosed)),
		Hub:   hub,
	}
}
