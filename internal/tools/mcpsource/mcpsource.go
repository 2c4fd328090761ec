// Package mcpsource exposes tools served by external MCP servers as session
// tools.
//
// A [Source] is process-wide: it connects once at start-up, and every
// session registry gets the same tools. MCP client sessions are safe for
// concurrent calls, so sessions share no other state through it.
package mcpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchline/internal/tools"
	"github.com/MrWong99/switchline/pkg/frame"
)

// TransportKind selects how an MCP server is reached.
type TransportKind string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportStreamableHTTP uses the MCP streamable HTTP protocol.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// IsValid reports whether k is a known transport.
func (k TransportKind) IsValid() bool {
	return k == TransportStdio || k == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport TransportKind     `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
}

// Validate checks the config for the selected transport.
func (c ServerConfig) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("mcpsource: server name is required")
	case !c.Transport.IsValid():
		return fmt.Errorf("mcpsource: server %q: unknown transport %q", c.Name, c.Transport)
	case c.Transport == TransportStdio && strings.TrimSpace(c.Command) == "":
		return fmt.Errorf("mcpsource: stdio server %q requires a command", c.Name)
	case c.Transport == TransportStreamableHTTP && c.URL == "":
		return fmt.Errorf("mcpsource: streamable-http server %q requires a url", c.Name)
	}
	return nil
}

type remoteTool struct {
	def     frame.ToolDefinition
	server  string
	timeout time.Duration
	stats   *rollingWindow
}

// Source holds live MCP client sessions and the tools they offer.
type Source struct {
	client *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	tools    map[string]*remoteTool
	order    []string
}

// New returns an unconnected source.
func New() *Source {
	return &Source{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "switchline", Version: "1.0.0"}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
		tools:    make(map[string]*remoteTool),
	}
}

// Connect connects to every server concurrently. Servers that fail are
// logged and skipped; the joined errors are returned alongside whatever
// did connect.
func (s *Source) Connect(ctx context.Context, servers ...ServerConfig) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, cfg := range servers {
		g.Go(func() error {
			err := s.connectConfig(ctx, cfg)
			if err != nil {
				slog.Warn("mcp server unavailable", "server", cfg.Name, "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Source) connectConfig(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var t mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		// The subprocess outlives the connect call, so it is not bound to ctx.
		cmd := exec.Command(fields[0], fields[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		t = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		t = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return s.ConnectTransport(ctx, cfg.Name, t)
}

// ConnectTransport connects to a server over an established transport and
// imports its tool list. A tool whose name is already taken is skipped.
func (s *Source) ConnectTransport(ctx context.Context, name string, t mcpsdk.Transport) error {
	session, err := s.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("mcpsource: connect %q: %w", name, err)
	}
	var listed []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpsource: list tools of %q: %w", name, err)
		}
		listed = append(listed, tool)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[name]; ok {
		_ = old.Close()
		s.dropServerLocked(name)
	}
	s.sessions[name] = session
	for _, tool := range listed {
		if other, dup := s.tools[tool.Name]; dup {
			slog.Warn("mcp tool name clash, keeping first", "tool", tool.Name, "server", name, "kept", other.server)
			continue
		}
		s.tools[tool.Name] = &remoteTool{
			def: frame.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			server:  name,
			timeout: maxDurationHint(tool),
			stats:   newRollingWindow(defaultWindowSize),
		}
		s.order = append(s.order, tool.Name)
	}
	slog.Info("mcp server connected", "server", name, "tools", len(listed))
	return nil
}

func (s *Source) dropServerLocked(server string) {
	kept := s.order[:0]
	for _, n := range s.order {
		if s.tools[n].server == server {
			delete(s.tools, n)
			continue
		}
		kept = append(kept, n)
	}
	s.order = kept
}

// Tools returns session tools backed by the connected servers.
func (s *Source) Tools() []tools.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tools.Tool, 0, len(s.order))
	for _, n := range s.order {
		rt := s.tools[n]
		out = append(out, tools.Tool{
			Definition: rt.def,
			Timeout:    rt.timeout,
			Handler:    s.handler(rt),
		})
	}
	return out
}

func (s *Source) handler(rt *remoteTool) tools.Handler {
	return func(ctx context.Context, c *tools.Call) {
		start := time.Now()
		res, err := s.call(ctx, rt, c)
		rt.stats.Record(time.Since(start).Milliseconds(), err != nil)
		c.Result(res, err)
	}
}

func (s *Source) call(ctx context.Context, rt *remoteTool, c *tools.Call) (json.RawMessage, error) {
	s.mu.RLock()
	session, ok := s.sessions[rt.server]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpsource: server %q is not connected", rt.server)
	}

	var args map[string]any
	if err := c.Decode(&args); err != nil {
		return nil, err
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: c.Name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcpsource: call %q: %w", c.Name, err)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return nil, errors.New(sb.String())
	}
	if res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return b, nil
		}
	}
	b, _ := json.Marshal(sb.String())
	return b, nil
}

// Stats reports latency percentiles and the error rate of a tool.
type Stats struct {
	Calls     int
	P50Ms     int64
	P99Ms     int64
	ErrorRate float64
}

// Stats returns the rolling statistics for name.
func (s *Source) Stats(name string) (Stats, bool) {
	s.mu.RLock()
	rt, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{Calls: rt.stats.Count(), P50Ms: rt.stats.P50(), P99Ms: rt.stats.P99(), ErrorRate: rt.stats.ErrorRate()}, true
}

// Servers returns the names of the connected servers.
func (s *Source) Servers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for n := range s.sessions {
		out = append(out, n)
	}
	return out
}

// Close disconnects every server.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for n, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpsource: close %q: %w", n, err))
		}
		delete(s.sessions, n)
	}
	s.tools = make(map[string]*remoteTool)
	s.order = nil
	return errors.Join(errs...)
}

func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	out := map[string]any{"type": "object"}
	if schema == nil {
		return out
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return out
	}
	return m
}

// maxDurationHint reads an optional max_duration_ms from the tool's _meta
// and turns it into a per-call timeout.
func maxDurationHint(t *mcpsdk.Tool) time.Duration {
	v, ok := t.Meta["max_duration_ms"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Millisecond
	case int:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	}
	return 0
}
