// Package tools is the agent-facing boundary of the broker: a registry of
// named tool handlers over the connection manager and the file service.
//
// Every handler decodes a flat argument map into a typed struct, validates
// it and calls exactly one manager or file-service operation. Results are
// rendered as JSON text. Failures, including panics, come back as an error
// payload {"success": false, "message": ...} flagged IsError, never as a Go
// error, so a transport such as MCP can pass them straight through.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshfiles"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
)

var logger = logrus.WithField("component", "tools")

// DefaultExecuteTimeout applies to ssh_execute calls without a timeout when
// Deps.DefaultTimeout is zero.
const DefaultExecuteTimeout = 30 * time.Second

// ParamKind is the JSON type of a tool parameter.
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Kind        ParamKind
	Description string
	Required    bool
	Default     any
}

// Result is what a handler produced. IsError marks a result that carries a
// meaningful payload but still reports a failed operation, such as a
// connection attempt that ended in the error state.
type Result struct {
	Payload any
	IsError bool
}

// Handler runs one tool call with its raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (*Result, error)

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Response is the rendered outcome of Dispatch.
type Response struct {
	Text    string
	IsError bool
}

// Deps are the services the tools operate on.
type Deps struct {
	Manager        *sshmanager.Manager
	Files          *sshfiles.Service
	DefaultTimeout time.Duration
}

// Registry maps tool names to handlers.
type Registry struct {
	deps  Deps
	tools map[string]*Tool
	order []string
}

// New creates a Registry with every broker tool registered.
func New(deps Deps) *Registry {
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = DefaultExecuteTimeout
	}
	r := &Registry{deps: deps, tools: make(map[string]*Tool)}
	r.registerConnectionTools()
	r.registerCommandTools()
	r.registerSessionTools()
	if deps.Files != nil {
		r.registerFileTools()
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// errorPayload is the body of every failed call.
type errorPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Dispatch runs the named tool. It never panics and never returns a Go
// error; failures are rendered into the response.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (resp Response) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("tool %s panicked: %v", name, p)
			resp = errorResponse(fmt.Sprintf("internal error in %s: %v", name, p))
		}
		metrics.ToolCalls.WithLabelValues(name, metrics.Result(!resp.IsError)).Inc()
		logger.Debugf("tool %s finished in %s (error=%v)", name, time.Since(start), resp.IsError)
	}()

	t, ok := r.tools[name]
	if !ok {
		return errorResponse(fmt.Sprintf("unknown tool: %s", name))
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return errorResponse(fmt.Sprintf("encode arguments: %v", err))
	}
	res, err := t.Handler(ctx, raw)
	if err != nil {
		logger.Infof("tool %s failed: %v", name, err)
		return errorResponse(err.Error())
	}

	text, err := json.MarshalIndent(res.Payload, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("encode result: %v", err))
	}
	return Response{Text: string(text), IsError: res.IsError}
}

func errorResponse(msg string) Response {
	text, _ := json.MarshalIndent(errorPayload{Success: false, Message: msg}, "", "  ")
	return Response{Text: string(text), IsError: true}
}

// errInvalidArgs marks argument decoding and validation failures.
var errInvalidArgs = errors.New("invalid arguments")

// decode unmarshals raw arguments into v.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidArgs, err)
	}
	return nil
}

// require checks name/value pairs and reports the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s is required", errInvalidArgs, pairs[i])
		}
	}
	return nil
}

// seconds converts an optional number of seconds, using def when unset.
func seconds(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v * float64(time.Second))
}

func ok(payload any) (*Result, error) {
	return &Result{Payload: payload}, nil
}

func okIf(success bool, payload any) (*Result, error) {
	return &Result{Payload: payload, IsError: !success}, nil
}

// Shared parameter definitions.
var (
	paramConnectionID = Param{Name: "connection_id", Kind: KindString, Required: true,
		Description: "Connection id in the form username@host:port"}
	paramCommandID = Param{Name: "command_id", Kind: KindString, Required: true,
		Description: "Async command id returned by ssh_start_async_command"}
	paramSessionID = Param{Name: "session_id", Kind: KindString, Required: true,
		Description: "Interactive session id returned by ssh_start_interactive"}
)
