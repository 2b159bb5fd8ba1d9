package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Envelope 是客户端与服务端之间所有消息的外层结构
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Wrap(msgType string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: msgType}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	return Envelope{Type: msgType, Data: raw}, nil
}

func Encode(msgType string, data any) ([]byte, error) {
	env, err := Wrap(msgType, data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(env)
}

// Decode 解析一帧消息，缺少 type 字段也视为格式错误
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return env, nil
}

// Unwrap 把 data 解析为具体的载荷类型，data 为空时返回零值
func Unwrap[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return payload, nil
	}

	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, env.Type, err)
	}

	return payload, nil
}

// TryUnwrap 仅当类型匹配且载荷可解析时返回非 nil
func TryUnwrap[T any](env Envelope, msgType string) *T {
	if env.Type != msgType {
		return nil
	}

	payload, err := Unwrap[T](env)
	if err != nil {
		zap.L().Error(
			"解析消息载荷失败",
			zap.String("type", env.Type),
			zap.Error(err),
		)
		return nil
	}

	return &payload
}
