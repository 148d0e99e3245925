// Package polyrun executes blocks of foreign code through pluggable
// per-language backends, with an async layer that bounds, cancels, and
// composes the invocations.
//
// # Overview
//
// A block is a unit of source in some language. The executor registry maps
// a language tag to a backend: compiled-native (toolchain to wasm, loaded
// in-process), embedded (shared in-process interpreter), subprocess, or
// container. Results cross the boundary as tagged Values; anything that
// cannot be plain data travels as an explicit handle.
//
// # Basic Usage
//
//	reg := executor.NewRegistry()
//	reg.RegisterShared("py", pyRuntime)
//
//	eng := engine.New(reg, engine.WithPoolSize(4))
//	defer eng.Close()
//
//	block := engine.Block{ID: "greeter", Language: "py", Source: src}
//	result, err := eng.CallBlock(ctx, block, "greet", args, 5*time.Second)
//
// # Async Composition
//
//	task, _ := eng.SubmitCall(bv, "work", args, time.Second)
//	v, err := task.Wait(ctx)
//
//	v, err = async.Retry(ctx, factory, 3)
//	vs, err := async.Parallel(ctx, tasks)
//	v, err = async.Race(ctx, tasks, time.Second)
//
// See the [engine], [executor], [async], and [value] packages for detailed
// API documentation.
package polyrun
