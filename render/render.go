// Package render implements the embedding API (spec.md §6): the
// Environment type, its configuration options, template/script render
// entry points, and registration of filters, globals, extensions and
// script command handlers.
//
// Grounded on the teacher's functional-option configuration idiom
// (eventloop.WithDebugMode, islog.WithSlogHandler, logiface.WithLevel)
// for render.Option, and islog's L.New(options...) constructor shape
// for Configure.
package render

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/geleto/cascada-sub004/annotate"
	"github.com/geleto/cascada-sub004/ast"
	"github.com/geleto/cascada-sub004/asyncstate"
	"github.com/geleto/cascada-sub004/buffer"
	"github.com/geleto/cascada-sub004/call"
	"github.com/geleto/cascada-sub004/compiler"
	"github.com/geleto/cascada-sub004/frame"
	"github.com/geleto/cascada-sub004/logging"
)

// Source is a loaded template/script body, as returned by a Loader.
type Source struct {
	Name string
	Root *ast.Node
}

// Loader resolves a named template/script to its parsed AST. The
// lexer/parser that produces Root is out of scope for this module; a
// real Loader implementation plugs one in.
type Loader interface {
	GetSource(name string) (*Source, error)
}

// StringLoader is the minimal built-in Loader used by
// RenderTemplateString/RenderScriptString: it serves exactly one
// already-parsed root under a fixed name, since those entry points need
// *some* loader-shaped thing to hand to Include/Extends resolution
// without pulling in filesystem/HTTP loading.
type StringLoader struct {
	root *ast.Node
}

func NewStringLoader(root *ast.Node) *StringLoader { return &StringLoader{root: root} }

func (l *StringLoader) GetSource(name string) (*Source, error) {
	if name != "" && name != "<string>" {
		return nil, fmt.Errorf("render: StringLoader has no template named %q", name)
	}
	return &Source{Name: "<string>", Root: l.root}, nil
}

// Options carries every configure(env_options) field named in spec.md
// §6. The lexer/parser is out of scope, so trimBlocks/lstripBlocks/
// delimiters are stored and forwarded, never interpreted, here.
type Options struct {
	Autoescape        bool
	ThrowOnUndefined  bool
	TrimBlocks        bool
	LstripBlocks      bool
	NoCache           bool
	BlockStart        string
	BlockEnd          string
	VariableStart     string
	VariableEnd       string
	CommentStart      string
	CommentEnd        string
}

// Option configures an Environment.
type Option func(*Options)

func WithAutoescape(v bool) Option       { return func(o *Options) { o.Autoescape = v } }
func WithThrowOnUndefined(v bool) Option { return func(o *Options) { o.ThrowOnUndefined = v } }
func WithTrimBlocks(v bool) Option       { return func(o *Options) { o.TrimBlocks = v } }
func WithLstripBlocks(v bool) Option     { return func(o *Options) { o.LstripBlocks = v } }
func WithNoCache(v bool) Option          { return func(o *Options) { o.NoCache = v } }
func WithDelimiters(blockStart, blockEnd, varStart, varEnd, commentStart, commentEnd string) Option {
	return func(o *Options) {
		o.BlockStart, o.BlockEnd = blockStart, blockEnd
		o.VariableStart, o.VariableEnd = varStart, varEnd
		o.CommentStart, o.CommentEnd = commentStart, commentEnd
	}
}

func defaultOptions() Options {
	return Options{
		Autoescape: true, ThrowOnUndefined: false,
		BlockStart: "{%", BlockEnd: "%}",
		VariableStart: "{{", VariableEnd: "}}",
		CommentStart: "{#", CommentEnd: "#}",
	}
}

// Extension is a user-registered async-capable extension call, the Go
// analogue of CallExtension/CallExtensionAsync AST nodes.
type Extension = call.Callable

// DataMethod implements one script-mode data-command verb (push, pop,
// merge, ...).
type DataMethod func(target any, args []any) (any, error)

// Environment is the compiled-template registry and render entry
// point. It implements compiler.Runtime so compiled units can call back
// into user-registered collaborators without the compiler package
// depending on render.
type Environment struct {
	opts       Options
	loader     Loader
	filters    map[string]call.Callable
	tests      map[string]call.Callable
	globals    map[string]any
	extensions map[string]call.Callable
	handlers   map[string]compiler.CommandHandler
	cache      map[string]compiler.CompiledUnit
}

// Configure builds a new Environment, matching the teacher's
// options-constructor idiom.
func Configure(opts ...Option) *Environment {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Environment{
		opts:       o,
		filters:    make(map[string]call.Callable),
		tests:      make(map[string]call.Callable),
		globals:    make(map[string]any),
		extensions: make(map[string]call.Callable),
		handlers:   make(map[string]compiler.CommandHandler),
		cache:      make(map[string]compiler.CompiledUnit),
	}
}

// SetLoader installs the template/script source loader.
func (e *Environment) SetLoader(l Loader) { e.loader = l }

func (e *Environment) AddFilter(name string, fn any) {
	e.filters[name] = call.Callable{Fn: reflect.ValueOf(fn)}
}

func (e *Environment) AddFilterAsync(name string, fn any) {
	e.filters[name] = call.Callable{Fn: reflect.ValueOf(fn), IsAsync: true}
}

func (e *Environment) AddGlobal(name string, v any) { e.globals[name] = v }

func (e *Environment) AddExtension(name string, ext Extension) { e.extensions[name] = ext }

func (e *Environment) AddCommandHandlerClass(name string, factory func() compiler.CommandHandler) {
	e.handlers[name] = factory()
}

func (e *Environment) AddCommandHandler(name string, h compiler.CommandHandler) {
	e.handlers[name] = h
}

func (e *Environment) AddDataMethods(methods map[string]DataMethod) {
	e.handlers["data"] = &dataHandler{methods: methods}
}

// DefaultDataMethods returns the built-in script data-command verbs:
// push, pop, set, merge, increment and decrement (§11 of SPEC_FULL.md:
// their Go signatures are this expansion's addition, not spec.md's).
func DefaultDataMethods() map[string]DataMethod {
	return map[string]DataMethod{
		"push": func(target any, args []any) (any, error) {
			arr, ok := target.([]any)
			if !ok {
				return nil, fmt.Errorf("push: target is not an array")
			}
			return append(arr, args...), nil
		},
		"pop": func(target any, args []any) (any, error) {
			arr, ok := target.([]any)
			if !ok || len(arr) == 0 {
				return nil, fmt.Errorf("pop: target is not a non-empty array")
			}
			return arr[:len(arr)-1], nil
		},
		"set": func(target any, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("set: expects exactly 1 argument")
			}
			return args[0], nil
		},
		"merge": func(target any, args []any) (any, error) {
			m, ok := target.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge: target is not an object")
			}
			for _, a := range args {
				other, ok := a.(map[string]any)
				if !ok {
					continue
				}
				for k, v := range other {
					m[k] = v
				}
			}
			return m, nil
		},
		"increment": func(target any, args []any) (any, error) {
			n, ok := target.(float64)
			if !ok {
				return nil, fmt.Errorf("increment: target is not numeric")
			}
			return n + 1, nil
		},
		"decrement": func(target any, args []any) (any, error) {
			n, ok := target.(float64)
			if !ok {
				return nil, fmt.Errorf("decrement: target is not numeric")
			}
			return n - 1, nil
		},
	}
}

type dataHandler struct {
	methods map[string]DataMethod
	root    map[string]any
}

func (h *dataHandler) Apply(cmd buffer.Command, args []any) error {
	m, ok := h.methods[cmd.Name]
	if !ok {
		return fmt.Errorf("data: no such command %q", cmd.Name)
	}
	result, err := m(navigate(h.root, cmd.SubPath), args)
	if err != nil {
		return err
	}
	setPath(h.root, cmd.SubPath, result)
	return nil
}

func navigate(root map[string]any, path string) any {
	if path == "" {
		return root
	}
	cur := any(root)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// setPath writes value at the dotted path within root, creating
// intermediate map levels as needed. An empty path replaces root's own
// contents in place (root itself cannot be reassigned, since callers
// hold the map by value).
func setPath(root map[string]any, path string, value any) {
	if path == "" {
		if m, ok := value.(map[string]any); ok {
			for k := range root {
				delete(root, k)
			}
			for k, v := range m {
				root[k] = v
			}
		}
		return
	}
	parts := strings.Split(path, ".")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// compiler.Runtime implementation.

func (e *Environment) Filter(name string) (call.Callable, bool) { c, ok := e.filters[name]; return c, ok }
func (e *Environment) Test(name string) (call.Callable, bool)   { c, ok := e.tests[name]; return c, ok }
func (e *Environment) Global(name string) (any, bool)           { v, ok := e.globals[name]; return v, ok }
func (e *Environment) Extension(name string) (call.Callable, bool) {
	c, ok := e.extensions[name]
	return c, ok
}
func (e *Environment) CommandHandler(name string) (compiler.CommandHandler, bool) {
	h, ok := e.handlers[name]
	return h, ok
}
func (e *Environment) LoadTemplate(name string) (*ast.Node, error) {
	if e.loader == nil {
		return nil, fmt.Errorf("render: no loader configured, cannot resolve %q", name)
	}
	src, err := e.loader.GetSource(name)
	if err != nil {
		return nil, err
	}
	return src.Root, nil
}

func (e *Environment) Autoescape() bool       { return e.opts.Autoescape }
func (e *Environment) ThrowOnUndefined() bool { return e.opts.ThrowOnUndefined }
func (e *Environment) Escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;")
	return r.Replace(s)
}

func (e *Environment) compile(name string, root *ast.Node, opts ...compiler.CompositionOption) (compiler.CompiledUnit, error) {
	if !e.opts.NoCache {
		if cu, ok := e.cache[name]; ok {
			return cu, nil
		}
	}
	if err := annotate.Annotate(root); err != nil {
		logging.L().Err().Err(err).Str("template", name).Log("compile failed")
		return nil, err
	}
	cu, err := compiler.Compile(root, opts...)
	if err != nil {
		logging.L().Err().Err(err).Str("template", name).Log("compile failed")
		return nil, err
	}
	if !e.opts.NoCache {
		e.cache[name] = cu
	}
	return cu, nil
}

func (e *Environment) runTemplate(name string, root *ast.Node, ctx map[string]any) (string, error) {
	cu, err := e.compile(name, root)
	if err != nil {
		return "", err
	}
	fr := frame.NewRoot(ctx)
	as := asyncstate.NewRoot()
	buf := buffer.New()
	start := time.Now()
	logging.L().Debug().Str("template", name).Log("render start")
	v := <-cu(e, fr, as, buf)
	logging.L().Debug().Str("template", name).Any("duration_ms", time.Since(start).Milliseconds()).Log("render done")
	if v.IsPoisoned() {
		return "", v.Err()
	}
	return buf.Flatten(), nil
}

func (e *Environment) runScript(name string, root *ast.Node, ctx map[string]any) (any, error) {
	cu, err := e.compile(name, root, compiler.WithScriptMode())
	if err != nil {
		return nil, err
	}
	fr := frame.NewRoot(ctx)
	as := asyncstate.NewRoot()
	buf := buffer.New()
	v := <-cu(e, fr, as, buf)
	if v.IsPoisoned() {
		return nil, v.Err()
	}
	dh, ok := e.handlers["data"].(*dataHandler)
	if !ok {
		dh = &dataHandler{methods: DefaultDataMethods()}
	}
	dh.root = map[string]any{}
	for _, cmd := range buf.Commands() {
		if cmd.Handler != "data" {
			continue
		}
		if err := dh.Apply(cmd, cmd.Args); err != nil {
			return nil, err
		}
	}
	return dh.root, nil
}

// RenderTemplate renders the named template in template string-output
// mode.
func (e *Environment) RenderTemplate(name string, ctx map[string]any) (string, error) {
	src, err := e.loader.GetSource(name)
	if err != nil {
		return "", err
	}
	return e.runTemplate(name, src.Root, ctx)
}

// RenderTemplateString compiles and renders root directly, using a
// transient StringLoader for any Include/Extends it triggers.
func (e *Environment) RenderTemplateString(root *ast.Node, ctx map[string]any) (string, error) {
	prev := e.loader
	if prev == nil {
		e.loader = NewStringLoader(root)
		defer func() { e.loader = prev }()
	}
	return e.runTemplate("<string>", root, ctx)
}

// RenderScript renders the named script in script command-stream mode,
// returning the assembled data object.
func (e *Environment) RenderScript(name string, ctx map[string]any) (any, error) {
	src, err := e.loader.GetSource(name)
	if err != nil {
		return nil, err
	}
	return e.runScript(name, src.Root, ctx)
}

// RenderScriptString is the script-mode analogue of
// RenderTemplateString.
func (e *Environment) RenderScriptString(root *ast.Node, ctx map[string]any) (any, error) {
	return e.runScript("<string>", root, ctx)
}
