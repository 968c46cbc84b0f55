package route

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Names of the routes every endpoint serves.
const (
	BuiltinLog  = "log"
	BuiltinPing = "ping"
)

// RegisterBuiltins adds the log sink and the ping echo to t.
func RegisterBuiltins(t *Table, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = t.Add(BuiltinLog, func(_ context.Context, params json.RawMessage) (any, error) {
		logger.Debug("peer log", "params", string(params))
		return nil, nil
	})
	_ = t.Add(BuiltinPing, func(_ context.Context, params json.RawMessage) (any, error) {
		if len(params) == 0 {
			return nil, nil
		}
		return params, nil
	})
}
