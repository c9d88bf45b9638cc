// Package tools exposes preview proxies to coding agents as MCP tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vibadev/viba/internal/proxy"
)

// PreviewInput defines input for the preview tool.
type PreviewInput struct {
	Action string `json:"action" jsonschema:"Action: open, list, log, clear"`
	Target string `json:"target,omitempty" jsonschema:"Dev server URL, e.g. http://localhost:5173/docs (required for open, log, clear)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"For log: maximum entries, most recent last (default: 50)"`
}

// PreviewOutput defines output for the preview tool.
type PreviewOutput struct {
	// For open
	ProxyBaseURL string `json:"proxy_base_url,omitempty"`
	ProxyURL     string `json:"proxy_url,omitempty"`
	Origin       string `json:"origin,omitempty"`

	// For list
	Count   int            `json:"count,omitempty"`
	Proxies []PreviewEntry `json:"proxies,omitempty"`

	// For log
	Entries []LogEntryOutput `json:"entries,omitempty"`
	Stats   *LogStatsOutput  `json:"stats,omitempty"`

	// For clear
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// PreviewEntry represents a preview proxy in the list.
type PreviewEntry struct {
	ID            string `json:"id"`
	Origin        string `json:"origin"`
	ProxyBaseURL  string `json:"proxy_base_url"`
	Running       bool   `json:"running"`
	Uptime        string `json:"uptime"`
	TotalRequests int64  `json:"total_requests"`
	InjectedPages int64  `json:"injected_pages"`
}

// LogEntryOutput represents a traffic log entry in the output.
type LogEntryOutput struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
	Injected   bool      `json:"injected,omitempty"`
	WebSocket  bool      `json:"websocket,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// LogStatsOutput holds logger statistics.
type LogStatsOutput struct {
	TotalEntries     int64 `json:"total_entries"`
	AvailableEntries int64 `json:"available_entries"`
	MaxSize          int64 `json:"max_size"`
	Dropped          int64 `json:"dropped"`
}

const defaultLogLimit = 50

// RegisterPreviewTools adds the preview tool to the server.
func RegisterPreviewTools(server *mcp.Server, reg *proxy.Registry) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "preview",
		Description: `Open dev servers through a preview proxy with an element picker.

Actions:
  open: Ensure a preview proxy for the target's origin and return its URL
  list: List live preview proxies
  log: Show recent traffic for the target's proxy
  clear: Clear the traffic log for the target's proxy

Examples:
  preview {action: "open", target: "http://localhost:5173/"}
  preview {action: "open", target: "http://localhost:3000/settings?tab=profile"}
  preview {action: "list"}
  preview {action: "log", target: "http://localhost:5173", limit: 20}
  preview {action: "clear", target: "http://localhost:5173"}

One proxy runs per target origin on an ephemeral loopback port. Opening
another path on the same origin reuses it. HTML pages get a picker script
that reports selected elements, their CSS selector and the React
components that rendered them to the embedding window.`,
	}, makePreviewHandler(reg))
}

func makePreviewHandler(reg *proxy.Registry) func(context.Context, *mcp.CallToolRequest, PreviewInput) (*mcp.CallToolResult, PreviewOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input PreviewInput) (*mcp.CallToolResult, PreviewOutput, error) {
		switch input.Action {
		case "open":
			return handlePreviewOpen(ctx, reg, input)
		case "list":
			return handlePreviewList(reg)
		case "log":
			return handlePreviewLog(reg, input)
		case "clear":
			return handlePreviewClear(reg, input)
		default:
			return errorResult(fmt.Sprintf("unknown action %q. Use: open, list, log, clear", input.Action)), PreviewOutput{}, nil
		}
	}
}

func handlePreviewOpen(ctx context.Context, reg *proxy.Registry, input PreviewInput) (*mcp.CallToolResult, PreviewOutput, error) {
	if input.Target == "" {
		return errorResult("target required for open"), PreviewOutput{}, nil
	}

	res, err := reg.Ensure(ctx, input.Target)
	if err != nil {
		if errors.Is(err, proxy.ErrInvalidTarget) {
			return errorResult(err.Error()), PreviewOutput{}, nil
		}
		return errorResult(fmt.Sprintf("failed to open preview: %v", err)), PreviewOutput{}, nil
	}

	proxyURL, err := proxy.BuildPreviewProxyURL(res.ProxyBaseURL, input.Target)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to build preview URL: %v", err)), PreviewOutput{}, nil
	}

	return nil, PreviewOutput{
		ProxyBaseURL: res.ProxyBaseURL,
		ProxyURL:     proxyURL,
		Origin:       res.Origin,
		Message:      fmt.Sprintf("Preview of %s available at %s", res.Origin, proxyURL),
	}, nil
}

func handlePreviewList(reg *proxy.Registry) (*mcp.CallToolResult, PreviewOutput, error) {
	servers := reg.List()

	entries := make([]PreviewEntry, len(servers))
	for i, srv := range servers {
		stats := srv.Stats()
		entries[i] = PreviewEntry{
			ID:            stats.ID,
			Origin:        stats.TargetURL,
			ProxyBaseURL:  stats.BaseURL,
			Running:       stats.Running,
			Uptime:        formatDuration(stats.Uptime),
			TotalRequests: stats.TotalRequests,
			InjectedPages: stats.InjectedPages,
		}
	}

	return nil, PreviewOutput{
		Count:   len(entries),
		Proxies: entries,
	}, nil
}

func handlePreviewLog(reg *proxy.Registry, input PreviewInput) (*mcp.CallToolResult, PreviewOutput, error) {
	srv, result := lookupPreview(reg, input, "log")
	if result != nil {
		return result, PreviewOutput{}, nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}

	recent := srv.Logger().Recent(limit)
	entries := make([]LogEntryOutput, len(recent))
	for i, e := range recent {
		entries[i] = LogEntryOutput{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Method:     e.Method,
			URL:        e.URL,
			StatusCode: e.StatusCode,
			Duration:   formatDuration(e.Duration),
			Injected:   e.Injected,
			WebSocket:  e.WebSocket,
			Error:      e.Error,
		}
	}

	stats := srv.Logger().Stats()
	return nil, PreviewOutput{
		Count:   len(entries),
		Entries: entries,
		Stats: &LogStatsOutput{
			TotalEntries:     stats.TotalEntries,
			AvailableEntries: stats.AvailableEntries,
			MaxSize:          stats.MaxSize,
			Dropped:          stats.Dropped,
		},
	}, nil
}

func handlePreviewClear(reg *proxy.Registry, input PreviewInput) (*mcp.CallToolResult, PreviewOutput, error) {
	srv, result := lookupPreview(reg, input, "clear")
	if result != nil {
		return result, PreviewOutput{}, nil
	}

	srv.Logger().Clear()
	return nil, PreviewOutput{
		Success: true,
		Message: fmt.Sprintf("Traffic log for %s cleared", proxy.Origin(srv.Target)),
	}, nil
}

func lookupPreview(reg *proxy.Registry, input PreviewInput, action string) (*proxy.Server, *mcp.CallToolResult) {
	if input.Target == "" {
		return nil, errorResult(fmt.Sprintf("target required for %s", action))
	}
	srv, ok := reg.Get(input.Target)
	if !ok {
		return nil, errorResult(fmt.Sprintf("no preview proxy running for %s; use action \"open\" first", input.Target))
	}
	return srv, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
