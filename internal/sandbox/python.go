package sandbox

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rendis/intake/internal/isolation"
	"github.com/rendis/intake/pkg/schema"
)

//go:embed prelude.py
var pythonPrelude string

const maxStderr = 8 * 1024

// PythonRuntime runs hooks in a python3 child process wrapped by an
// Isolator. The script talks to the host over line-delimited JSON on
// stdin/stdout; helper calls are proxied back to the host Library.
type PythonRuntime struct {
	isolator    isolation.Isolator
	interpreter string
	limits      isolation.ResourceLimits
}

// NewPythonRuntime creates a PythonRuntime. interpreter defaults to python3.
func NewPythonRuntime(iso isolation.Isolator, interpreter string, limits isolation.ResourceLimits) *PythonRuntime {
	if iso == nil {
		iso = isolation.NewFallbackIsolator()
	}
	if interpreter == "" {
		interpreter = "python3"
	}
	return &PythonRuntime{isolator: iso, interpreter: interpreter, limits: limits}
}

func (r *PythonRuntime) Language() schema.Language { return schema.LangPython }

// Available reports whether the interpreter can be found on PATH.
func (r *PythonRuntime) Available() bool {
	_, err := exec.LookPath(r.interpreter)
	return err == nil
}

type pyRequest struct {
	Code    string              `json:"code"`
	Input   map[string]any      `json:"input"`
	Context map[string]any      `json:"context"`
	Helpers map[string][]string `json:"helpers"`
}

type pyMessage struct {
	Console []string        `json:"console,omitempty"`
	Call    []any           `json:"call,omitempty"`
	Done    json.RawMessage `json:"done,omitempty"`
	Fail    *string         `json:"fail,omitempty"`
}

type pyReply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r *PythonRuntime) Run(ctx context.Context, job *Job) (map[string]any, error) {
	path, err := exec.LookPath(r.interpreter)
	if err != nil {
		return nil, fmt.Errorf("python interpreter not available: %w", err)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer inW.Close()
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		return nil, err
	}
	defer outR.Close()

	stderr := &cappedBuffer{limit: maxStderr}
	cmd := exec.Command(path, "-I", "-c", pythonPrelude)
	cmd.Env = isolation.MinimalEnv(nil)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = stderr

	wrapped, cleanup, err := r.isolator.Wrap(ctx, cmd, r.limits)
	if err != nil {
		inR.Close()
		outW.Close()
		return nil, err
	}
	defer cleanup()

	startErr := wrapped.Start()
	inR.Close()
	outW.Close()
	if startErr != nil {
		return nil, fmt.Errorf("start interpreter: %w", startErr)
	}

	helpers := map[string][]string{}
	for _, ns := range job.Helpers.Namespaces() {
		helpers[ns] = job.Helpers.Functions(ns)
	}
	enc := json.NewEncoder(inW)
	if err := enc.Encode(pyRequest{Code: job.Code, Input: job.Input, Context: job.Context, Helpers: helpers}); err != nil {
		_ = wrapped.Wait()
		return nil, r.exitError(ctx, stderr, err)
	}

	var (
		done    json.RawMessage
		failure *string
	)
	rd := bufio.NewReader(outR)
	for done == nil && failure == nil {
		line, err := rd.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			break
		}
		var msg pyMessage
		if jerr := json.Unmarshal(line, &msg); jerr != nil {
			job.Console.Write("log", strings.TrimRight(string(line), "\n"))
			continue
		}
		switch {
		case len(msg.Console) == 2:
			job.Console.Write(msg.Console[0], msg.Console[1])
		case len(msg.Call) == 3:
			ns, _ := msg.Call[0].(string)
			name, _ := msg.Call[1].(string)
			args, _ := msg.Call[2].([]any)
			var reply pyReply
			res, cerr := job.Helpers.Call(ctx, ns, name, args)
			if cerr != nil {
				reply.Error = cerr.Error()
			} else {
				reply.Result = res
			}
			// A failed write means the child is gone; the next read sees EOF.
			_ = enc.Encode(reply)
		case msg.Done != nil:
			done = msg.Done
		case msg.Fail != nil:
			failure = msg.Fail
		}
	}

	inW.Close()
	waitErr := wrapped.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if failure != nil {
		return nil, errors.New(*failure)
	}
	if done == nil {
		return nil, r.exitError(ctx, stderr, waitErr)
	}
	out := map[string]any{}
	if err := json.Unmarshal(done, &out); err != nil {
		return nil, fmt.Errorf("decode script output: %w", err)
	}
	return out, nil
}

func (r *PythonRuntime) exitError(ctx context.Context, stderr *cappedBuffer, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	detail := strings.TrimSpace(stderr.String())
	if detail == "" && cause != nil {
		detail = cause.Error()
	}
	return fmt.Errorf("interpreter exited without a result: %s", detail)
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
