package native

import (
	"context"
	"errors"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

// The backend resolves entry points against two fixed conventions, in order:
//
//  1. Scalar: an export named <entry> whose parameters and result are wasm
//     numeric types. Ints and bools pass by value; floats as f32/f64. Used
//     when every argument is numeric.
//
//  2. Boxed: an export named <entry>__json with signature (ptr, len i32) →
//     i64. The argument list is JSON-encoded into module memory through the
//     module's pr_alloc(size i32) → i32 allocator; the return value packs
//     the result buffer as ptr<<32|len, holding a JSON-encoded value. Text
//     and aggregates always travel boxed. pr_free(ptr, len), if exported,
//     reclaims the argument buffer after the call.
//
// A missing export in both conventions, a missing allocator, or a shape
// mismatch is a link error; a trap inside the module is a runtime error.

const boxedSuffix = "__json"

func call(ctx context.Context, mod api.Module, lang, entry string, args []value.Value) (value.Value, error) {
	if fn := mod.ExportedFunction(entry); fn != nil && allScalar(args) {
		if v, err, ok := callScalar(ctx, fn, lang, entry, args); ok {
			return v, err
		}
	}
	if fn := mod.ExportedFunction(entry + boxedSuffix); fn != nil {
		return callBoxed(ctx, mod, fn, lang, entry, args)
	}
	if mod.ExportedFunction(entry) != nil {
		return value.Null(), executor.Errf(executor.ErrLink, lang,
			"entry %s cannot take the given arguments and %s%s is not exported", entry, entry, boxedSuffix)
	}
	return value.Null(), executor.Errf(executor.ErrLink, lang, "entry %s not exported", entry)
}

func allScalar(args []value.Value) bool {
	for _, a := range args {
		switch a.Kind() {
		case value.KindBool, value.KindInt, value.KindFloat, value.KindNull:
		default:
			return false
		}
	}
	return true
}

// callScalar attempts the scalar convention. The third return is false when
// the export's shape does not match the argument list, letting the caller
// fall through to the boxed convention.
func callScalar(ctx context.Context, fn api.Function, lang, entry string, args []value.Value) (value.Value, error, bool) {
	def := fn.Definition()
	params := def.ParamTypes()
	if len(params) != len(args) {
		return value.Null(), nil, false
	}

	raw := make([]uint64, len(args))
	for i, arg := range args {
		enc, ok := encodeScalar(params[i], arg)
		if !ok {
			return value.Null(), nil, false
		}
		raw[i] = enc
	}

	results, err := fn.Call(ctx, raw...)
	if err != nil {
		return value.Null(), mapCallError(ctx, lang, entry, err), true
	}

	resTypes := def.ResultTypes()
	if len(results) == 0 || len(resTypes) == 0 {
		return value.Null(), nil, true
	}
	return decodeScalar(resTypes[0], results[0]), nil, true
}

func encodeScalar(t api.ValueType, v value.Value) (uint64, bool) {
	switch t {
	case api.ValueTypeI32:
		i, ok := scalarInt(v)
		if !ok {
			return 0, false
		}
		return api.EncodeI32(int32(i)), true
	case api.ValueTypeI64:
		i, ok := scalarInt(v)
		if !ok {
			return 0, false
		}
		return api.EncodeI64(i), true
	case api.ValueTypeF32:
		f, ok := v.Float()
		if !ok {
			return 0, false
		}
		return api.EncodeF32(float32(f)), true
	case api.ValueTypeF64:
		f, ok := v.Float()
		if !ok {
			return 0, false
		}
		return api.EncodeF64(f), true
	}
	return 0, false
}

func scalarInt(v value.Value) (int64, bool) {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.Bool()
		if b {
			return 1, true
		}
		return 0, true
	case value.KindNull:
		return 0, true
	default:
		return v.Int()
	}
}

func decodeScalar(t api.ValueType, raw uint64) value.Value {
	switch t {
	case api.ValueTypeI32:
		return value.Int(int64(api.DecodeI32(raw)))
	case api.ValueTypeI64:
		return value.Int(int64(raw))
	case api.ValueTypeF32:
		return value.Float(float64(api.DecodeF32(raw)))
	case api.ValueTypeF64:
		return value.Float(api.DecodeF64(raw))
	}
	return value.Null()
}

func callBoxed(ctx context.Context, mod api.Module, fn api.Function, lang, entry string, args []value.Value) (value.Value, error) {
	alloc := mod.ExportedFunction("pr_alloc")
	if alloc == nil {
		return value.Null(), executor.Errf(executor.ErrLink, lang, "%s%s requires a pr_alloc export", entry, boxedSuffix)
	}
	mem := mod.Memory()
	if mem == nil {
		return value.Null(), executor.Errf(executor.ErrLink, lang, "module exports no memory")
	}

	encoded, err := value.EncodeArgs(args)
	if err != nil {
		return value.Null(), executor.Wrap(executor.ErrRuntime, lang, err)
	}

	allocRes, err := alloc.Call(ctx, api.EncodeI32(int32(len(encoded))))
	if err != nil {
		return value.Null(), mapCallError(ctx, lang, "pr_alloc", err)
	}
	ptr := api.DecodeU32(allocRes[0])
	if !mem.Write(ptr, encoded) {
		return value.Null(), executor.Errf(executor.ErrRuntime, lang, "argument buffer out of range")
	}

	results, err := fn.Call(ctx, api.EncodeI32(int32(ptr)), api.EncodeI32(int32(len(encoded))))
	if err != nil {
		return value.Null(), mapCallError(ctx, lang, entry, err)
	}

	if free := mod.ExportedFunction("pr_free"); free != nil {
		free.Call(ctx, api.EncodeI32(int32(ptr)), api.EncodeI32(int32(len(encoded))))
	}

	if len(results) == 0 {
		return value.Null(), nil
	}
	packed := results[0]
	resPtr := uint32(packed >> 32)
	resLen := uint32(packed & math.MaxUint32)
	if resLen == 0 {
		return value.Null(), nil
	}
	data, ok := mem.Read(resPtr, resLen)
	if !ok {
		return value.Null(), executor.Errf(executor.ErrRuntime, lang, "result buffer out of range")
	}
	out, err := value.Decode(data)
	if err != nil {
		return value.Null(), executor.Errf(executor.ErrRuntime, lang, "undecodable result from %s: %v", entry, err)
	}
	return out, nil
}

func mapCallError(ctx context.Context, lang, entry string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return executor.Wrap(executor.ErrTimedOut, lang, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return executor.Wrap(executor.ErrCancelled, lang, err)
	default:
		return executor.Errf(executor.ErrRuntime, lang, "%s: %v", entry, err)
	}
}
