package embedded

import (
	"fmt"
	"os"
	"sync"
)

// Language describes an embeddable interpreter: which wasm module runs it
// and how to boot its command loop.
type Language interface {
	// Name returns the language tag. Used as the compiled-module cache key.
	Name() string

	// Module returns the interpreter's wasm binary.
	Module() ([]byte, error)

	// Args returns the argv handed to the interpreter module, with the boot
	// program already in place (e.g. ["python", "-c", boot]).
	Args() []string
}

// InterpreterSpec is a file-backed Language: the interpreter wasm lives on
// disk and the boot loop source is spliced into an argv template at the
// {boot} placeholder. Adding an embeddable language is configuration, not
// code.
type InterpreterSpec struct {
	Tag      string
	WasmPath string
	Argv     []string // e.g. {"python", "-c", "{boot}"}
	Boot     string   // boot loop source; empty selects the default for known tags

	once sync.Once
	wasm []byte
	err  error
}

func (s *InterpreterSpec) Name() string { return s.Tag }

func (s *InterpreterSpec) Module() ([]byte, error) {
	s.once.Do(func() {
		s.wasm, s.err = os.ReadFile(s.WasmPath)
		if s.err != nil {
			s.err = fmt.Errorf("load interpreter for %s: %w", s.Tag, s.err)
		}
	})
	return s.wasm, s.err
}

func (s *InterpreterSpec) Args() []string {
	boot := s.Boot
	if boot == "" {
		boot = PythonBoot
	}
	args := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		if a == "{boot}" {
			a = boot
		}
		args[i] = a
	}
	return args
}

// PythonBoot is the default boot loop for CPython-based interpreters. It
// reads JSON commands from stdin, evaluates them against a single persistent
// global namespace, and frames results on stderr. Definitions from one eval
// are visible to every later eval and call in the same process: the global
// scope is deliberately shared and mutable, which is what lets one block
// reference another block's top-level definitions.
const PythonBoot = `import sys, json, traceback

_g = {"__name__": "__main__"}
_hostseq = 0

def _emit(prefix, payload=""):
    sys.stderr.write("\x00" + prefix + payload + "\x00")
    sys.stderr.flush()

def _host_call(fn, *args):
    global _hostseq
    _hostseq += 1
    rid = str(_hostseq)
    sys.stderr.write("\x00PRUN_CALL:" + json.dumps({"id": rid, "fn": fn, "args": list(args)}) + "\x00")
    sys.stderr.flush()
    while True:
        line = sys.stdin.readline()
        if not line:
            raise RuntimeError("host closed")
        resp = json.loads(line)
        if resp.get("id") != rid:
            continue
        if resp.get("error"):
            raise RuntimeError(resp["error"])
        return resp.get("data")

_g["host_call"] = _host_call

_emit("PRUN_READY")
for _line in sys.stdin:
    _line = _line.strip()
    if not _line:
        continue
    try:
        _cmd = json.loads(_line)
        if _cmd["op"] == "eval":
            exec(compile(_cmd["code"], "<block>", "exec"), _g)
            _emit("PRUN_OK:", "null")
        elif _cmd["op"] == "call":
            _target = _g
            for _part in _cmd["entry"].split("."):
                _target = _target[_part] if isinstance(_target, dict) else getattr(_target, _part)
            _ret = _target(*_cmd.get("args", []))
            _emit("PRUN_OK:", json.dumps(_ret))
        else:
            _emit("PRUN_ERR:", "unknown op " + str(_cmd.get("op")))
    except SystemExit:
        break
    except BaseException:
        _emit("PRUN_ERR:", traceback.format_exc(limit=8).replace("\x00", ""))
`
