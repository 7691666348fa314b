// Package script runs JavaScript consumers on the goja runtime.
//
// Scripts register handlers with onContent(type, fn); "*" matches every type.
// A handler receives one object:
//
//	{type, media_type, session_id, message_id, status, payload, received_at_ms}
//
// where payload is the raw bytes as a string, and a second argument with
// reply(text) and log(text). reply returns false when the connection is gone.
package script

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/dispatch"
	"github.com/go-go-golems/ingestgw/pkg/sender"
)

// Runtime is a single goja VM. Calls into it are serialized.
type Runtime struct {
	mu sync.Mutex
	vm *goja.Runtime

	handlers map[string][]goja.Callable

	calls  atomic.Uint64
	failed atomic.Uint64
}

var _ dispatch.Consumer = (*Runtime)(nil)

func New() *Runtime {
	r := &Runtime{
		vm:       goja.New(),
		handlers: map[string][]goja.Callable{},
	}
	r.installHostAPIs()
	return r
}

func (r *Runtime) installHostAPIs() {
	if err := r.vm.Set("onContent", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(r.vm.NewTypeError("onContent(type, fn) requires 2 arguments"))
		}
		typ := strings.TrimSpace(call.Arguments[0].String())
		if typ == "" {
			typ = dispatch.AnyType
		}
		fn, ok := goja.AssertFunction(call.Arguments[1])
		if !ok {
			panic(r.vm.NewTypeError("onContent: second argument must be a function"))
		}
		r.handlers[typ] = append(r.handlers[typ], fn)
		return goja.Undefined()
	}); err != nil {
		panic(err)
	}
}

func (r *Runtime) LoadFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("script: empty path")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "script: read %q", path)
	}
	return r.LoadSource(path, string(blob))
}

func (r *Runtime) LoadSource(name, source string) error {
	if strings.TrimSpace(name) == "" {
		name = "consumer.js"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.vm.RunScript(name, source); err != nil {
		return errors.Wrapf(err, "script: run %q", name)
	}
	return nil
}

// Types returns the content types scripts registered for.
func (r *Runtime) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	return out
}

// OnContent runs every handler registered for c.Type and "*". Script errors
// are logged and counted. A handler still running when ctx ends is interrupted.
func (r *Runtime) OnContent(ctx context.Context, c *content.Content) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fns := append([]goja.Callable{}, r.handlers[c.Type]...)
	if c.Type != dispatch.AnyType {
		fns = append(fns, r.handlers[dispatch.AnyType]...)
	}
	if len(fns) == 0 {
		return
	}

	arg := r.vm.ToValue(contentObject(c))
	host := r.vm.ToValue(r.hostObject(c))
	for _, fn := range fns {
		if ctx.Err() != nil {
			return
		}
		r.calls.Add(1)
		if err := r.call(ctx, fn, arg, host); err != nil {
			r.failed.Add(1)
			log.Warn().Err(err).
				Str("component", "script").
				Str("type", c.Type).
				Str("session_id", c.SessionID()).
				Msg("script handler failed")
		}
	}
}

// call runs fn and interrupts it when ctx ends. The interrupt is cleared
// before returning so the next call starts clean.
func (r *Runtime) call(ctx context.Context, fn goja.Callable, args ...goja.Value) error {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
		close(fired)
	})
	_, err := fn(goja.Undefined(), args...)
	if !stop() {
		<-fired
	}
	r.vm.ClearInterrupt()
	return err
}

func contentObject(c *content.Content) map[string]any {
	obj := map[string]any{
		"type":           c.Type,
		"media_type":     c.MediaType,
		"session_id":     c.SessionID(),
		"message_id":     c.MessageID(),
		"payload":        string(c.Payload()),
		"received_at_ms": c.ReceivedAt.UnixMilli(),
	}
	if c.Envelope != nil {
		obj["status"] = c.Envelope.Status().String()
	}
	return obj
}

func (r *Runtime) hostObject(c *content.Content) map[string]any {
	return map[string]any{
		"reply": func(text string) bool {
			err := c.Sender().Reply([]byte(text))
			if err != nil && !sender.IsClosed(err) {
				log.Warn().Err(err).Str("component", "script").Str("session_id", c.SessionID()).Msg("script reply failed")
			}
			return err == nil
		},
		"log": func(text string) {
			log.Info().Str("component", "script").Str("type", c.Type).Msg(text)
		},
	}
}

func (r *Runtime) Calls() uint64  { return r.calls.Load() }
func (r *Runtime) Failed() uint64 { return r.failed.Load() }
