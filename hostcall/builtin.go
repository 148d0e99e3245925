package hostcall

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/polyrun/polyrun/value"
)

// RegisterBuiltins installs the default host functions every runtime gets:
// wall-clock time, randomness, environment lookup, and monotonic sleep
// (capped so a block cannot stall its executor past the wrapper's deadline
// usefully).
func RegisterBuiltins(r *Registry) {
	r.Register("time_now", func(ctx context.Context, args []value.Value) (value.Value, error) {
		return value.Float(float64(time.Now().UnixNano()) / 1e9), nil
	})

	r.Register("rand_float", func(ctx context.Context, args []value.Value) (value.Value, error) {
		return value.Float(rand.Float64()), nil
	})

	r.Register("env_get", func(ctx context.Context, args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Null(), nil
		}
		name, ok := args[0].Text()
		if !ok {
			return value.Null(), nil
		}
		if v, found := os.LookupEnv(name); found {
			return value.Text(v), nil
		}
		return value.Null(), nil
	})

	r.Register("sleep_ms", func(ctx context.Context, args []value.Value) (value.Value, error) {
		var ms int64
		if len(args) > 0 {
			ms, _ = args[0].Int()
		}
		if ms < 0 {
			ms = 0
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return value.Null(), nil
		case <-ctx.Done():
			return value.Null(), ctx.Err()
		}
	})
}
