package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/parley/internal/tools"
)

// maxConcurrentServers bounds how many servers are listed at once.
const maxConcurrentServers = 4

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Server is one configured MCP server and how its tools are exposed.
type Server struct {
	Client *Client

	// Namespace prefixes tool names with the server name ("server_tool").
	Namespace bool

	// Include limits exposure to these MCP tool names. Exclude removes
	// names; it is ignored when Include is set.
	Include []string
	Exclude []string
}

// Discoverer lists tools from every configured server on each call.
// A server that fails is skipped with a warning; the call fails only
// when every server failed.
type Discoverer struct {
	servers []Server
	logger  *slog.Logger
}

// NewDiscoverer creates a discoverer over servers.
func NewDiscoverer(servers []Server, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{servers: servers, logger: logger}
}

// Clients returns the underlying clients, for health watching and shutdown.
func (d *Discoverer) Clients() []*Client {
	out := make([]*Client, len(d.servers))
	for i, s := range d.servers {
		out[i] = s.Client
	}
	return out
}

// Tools implements tools.Discoverer.
func (d *Discoverer) Tools(ctx context.Context) (tools.Set, error) {
	if len(d.servers) == 0 {
		return tools.Set{}, nil
	}

	type listing struct {
		defs []*tools.Definition
		err  error
	}
	results := make([]listing, len(d.servers))

	// Each goroutine writes only its own slot and always returns nil, so
	// one failing server never cancels the others.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentServers)
	for i, srv := range d.servers {
		g.Go(func() error {
			defs, err := srv.definitions(gctx)
			results[i] = listing{defs: defs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	// Merge in configuration order so a duplicated name always resolves
	// to the earliest server, however the listings finished.
	merged := tools.Set{}
	var errs []error
	for i, res := range results {
		name := d.servers[i].Client.Name()
		if res.err != nil {
			d.logger.Warn("MCP server discovery failed", "server", name, "error", res.err)
			errs = append(errs, fmt.Errorf("%s: %w", name, res.err))
			continue
		}
		for _, def := range res.defs {
			if prev, ok := merged[def.Name]; ok {
				d.logger.Warn("duplicate MCP tool name, keeping earlier server",
					"tool", def.Name, "kept", prev.Source, "dropped", def.Source)
				continue
			}
			merged[def.Name] = def
		}
	}

	if len(errs) == len(d.servers) {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

func (s Server) definitions(ctx context.Context) ([]*tools.Definition, error) {
	listed, err := s.Client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	include := toSet(s.Include)
	exclude := toSet(s.Exclude)

	defs := make([]*tools.Definition, 0, len(listed))
	for _, td := range listed {
		if len(include) > 0 {
			if !include[td.Name] {
				continue
			}
		} else if exclude[td.Name] {
			continue
		}

		name := td.Name
		if s.Namespace {
			name = ToolName(s.Client.Name(), td.Name)
		}
		defs = append(defs, bridge(s.Client, name, td))
	}
	return defs, nil
}

// ToolName builds a namespaced tool name that is safe for every model
// provider's function name rules.
func ToolName(server, tool string) string {
	return safeName(server) + "_" + safeName(tool)
}

func safeName(s string) string {
	s = unsafeNameRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// bridge wraps an MCP tool as a Definition that runs it remotely under
// its original name.
func bridge(c *Client, name string, td ToolDefinition) *tools.Definition {
	remote := td.Name
	desc := td.Description
	if desc == "" && td.Annotations != nil {
		desc = td.Annotations.Title
	}
	return &tools.Definition{
		Name:        name,
		Description: desc,
		Schema:      td.InputSchema,
		Source:      c.Name(),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return c.CallTool(ctx, remote, args)
		},
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
