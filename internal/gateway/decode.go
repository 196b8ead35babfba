package gateway

import (
	"context"
	"encoding/json"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// Validator はデコード後の形を検証できる型。
type Validator interface {
	Validate() error
}

// Do はRequestを実行し、応答をTにデコードする。
// 形が合わない場合は*model.DecodeErrorを返す。
func Do[T any](ctx context.Context, g *Gateway, endpoint string, opts Options) (*T, error) {
	raw, err := g.Request(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return Decode[T](endpoint, raw)
}

// Decode は生のJSONをTにデコードし、TがValidatorを実装していれば検証する。
func Decode[T any](endpoint string, raw json.RawMessage) (*T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &model.DecodeError{Endpoint: endpoint, Err: err}
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, &model.DecodeError{Endpoint: endpoint, Err: err}
		}
	}
	return &out, nil
}
