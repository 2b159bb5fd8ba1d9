package dto

import "maps"

// 房间设置的保留键，其余键由具体游戏自行解释
const (
	SETTING_MAX_PLAYERS      = "maxPlayers"
	SETTING_ALLOW_SPECTATORS = "allowSpectators"
	SETTING_IS_PRIVATE       = "isPrivate"
)

const (
	DEFAULT_MAX_PLAYERS      = 8
	DEFAULT_ALLOW_SPECTATORS = true
	DEFAULT_IS_PRIVATE       = false
)

// Settings 是房间配置，值来自 JSON 解码，所以数字可能是 float64
type Settings map[string]any

func DefaultSettings() Settings {
	return Settings{
		SETTING_MAX_PLAYERS:      DEFAULT_MAX_PLAYERS,
		SETTING_ALLOW_SPECTATORS: DEFAULT_ALLOW_SPECTATORS,
		SETTING_IS_PRIVATE:       DEFAULT_IS_PRIVATE,
	}
}

func (s Settings) MaxPlayers() int {
	switch v := s[SETTING_MAX_PLAYERS].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return DEFAULT_MAX_PLAYERS
	}
}

func (s Settings) AllowSpectators() bool {
	if v, ok := s[SETTING_ALLOW_SPECTATORS].(bool); ok {
		return v
	}

	return DEFAULT_ALLOW_SPECTATORS
}

func (s Settings) IsPrivate() bool {
	if v, ok := s[SETTING_IS_PRIVATE].(bool); ok {
		return v
	}

	return DEFAULT_IS_PRIVATE
}

// Merge 浅合并：update 中的键覆盖原值，其余键保持不变。
// 返回新的 map，不修改接收者
func (s Settings) Merge(update Settings) Settings {
	merged := make(Settings, len(s)+len(update))
	maps.Copy(merged, s)
	maps.Copy(merged, update)

	return merged
}

func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}

	return maps.Clone(s)
}
