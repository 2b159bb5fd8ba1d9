package http

import (
	"errors"
	"strings"

	"party-room-be/internal/service"
	"party-room-be/internal/service/dto"
	"party-room-be/internal/state"

	"github.com/kataras/iris/v12"
)

type StatsResponse struct {
	dto.Stats
	OnlinePlayers int `json:"onlinePlayers"`
}

func Health() iris.Handler {
	return func(ctx iris.Context) {
		ctx.JSON(iris.Map{
			"status": "ok",
		})
	}
}

// ListRooms 返回等待中的公开房间
func ListRooms(appState *state.AppState) iris.Handler {
	return func(ctx iris.Context) {
		ctx.JSON(iris.Map{
			"rooms": appState.Rooms.ListPublicRooms(),
		})
	}
}

func GetRoom(appState *state.AppState) iris.Handler {
	return func(ctx iris.Context) {
		code := strings.ToUpper(ctx.Params().Get("code"))

		room, err := appState.Rooms.GetRoom(code)
		if err != nil {
			status := iris.StatusInternalServerError
			if errors.Is(err, service.ErrRoomNotFound) {
				status = iris.StatusNotFound
			}

			ctx.StatusCode(status)
			ctx.JSON(iris.Map{
				"error": err.Error(),
			})
			return
		}

		ctx.JSON(room)
	}
}

func GetStats(appState *state.AppState) iris.Handler {
	return func(ctx iris.Context) {
		ctx.JSON(StatsResponse{
			Stats:         appState.Rooms.GetStats(),
			OnlinePlayers: appState.Hub.Online(),
		})
	}
}
