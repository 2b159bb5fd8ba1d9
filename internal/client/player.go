package client

import (
	"maps"
	"slices"
	"sync"
)

const (
	PLAYER_STATE_CONNECTED    = "connected"
	PLAYER_STATE_DISCONNECTED = "disconnected"
	PLAYER_STATE_PLAYING      = "playing"
	PLAYER_STATE_SPECTATING   = "spectating"
)

// PlayerStateSnapshot 是 PlayerState 某一时刻的副本
type PlayerStateSnapshot struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	State        string         `json:"state"`
	Score        int            `json:"score"`
	IsReady      bool           `json:"isReady"`
	Achievements []string       `json:"achievements"`
	Stats        map[string]any `json:"stats"`
}

// PlayerState 是单个参与者在一局游戏中的本地记录，不依赖网络。
// 分数不做下限约束，允许为负
type PlayerState struct {
	mu sync.Mutex

	id           string
	name         string
	state        string
	score        int
	isReady      bool
	achievements []string
	stats        map[string]any
}

func NewPlayerState(id, name string) *PlayerState {
	return &PlayerState{
		id:    id,
		name:  name,
		state: PLAYER_STATE_CONNECTED,
		stats: make(map[string]any),
	}
}

// AddScore 返回累加后的分数
func (ps *PlayerState) AddScore(points int) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.score += points
	return ps.score
}

func (ps *PlayerState) ResetScore() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.score = 0
}

// ToggleReady 返回切换后的准备状态
func (ps *PlayerState) ToggleReady() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.isReady = !ps.isReady
	return ps.isReady
}

// AddAchievement 追加成就，保持获得顺序，不去重
func (ps *PlayerState) AddAchievement(achievement string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.achievements = append(ps.achievements, achievement)
}

// UpdateStats 浅合并统计数据
func (ps *PlayerState) UpdateStats(stats map[string]any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	maps.Copy(ps.stats, stats)
}

func (ps *PlayerState) UpdateState(state string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.state = state
}

func (ps *PlayerState) Snapshot() PlayerStateSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return PlayerStateSnapshot{
		ID:           ps.id,
		Name:         ps.name,
		State:        ps.state,
		Score:        ps.score,
		IsReady:      ps.isReady,
		Achievements: slices.Clone(ps.achievements),
		Stats:        maps.Clone(ps.stats),
	}
}
