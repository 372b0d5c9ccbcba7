// Package mcptools exposes the chat room to MCP clients so agents can take
// part in the conversation next to WebSocket users.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

const (
	defaultListenLimit   = 10
	maxListenLimit       = 100
	defaultListenTimeout = 5 * time.Second
	maxListenTimeout     = time.Minute
)

// Server serves the relay's MCP tools over a single HTTP endpoint.
type Server struct {
	mcpServer *server.MCPServer
	room      *hub.Hub
	publisher hub.Publisher
	logger    *slog.Logger
}

// NewServer creates the MCP server for room. Messages sent through the tools
// go to publisher, or to room when publisher is nil.
func NewServer(room *hub.Hub, publisher hub.Publisher, version string, logger *slog.Logger) *Server {
	if publisher == nil {
		publisher = room
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		room:      room,
		publisher: publisher,
		logger:    logger.With("component", "mcp"),
	}

	s.mcpServer = server.NewMCPServer(
		"GoChat Relay",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`GoChat Relay - MCP Interface

Every connected WebSocket client shares one chat room. Messages are plain text.

AVAILABLE TOOLS:
- send_message: Post a message to everyone in the room
- room_stats: Subscriber count and delivery counters
- listen: Join the room briefly and return the messages seen

NOTE: listen only sees messages published after it starts.`),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "send_message",
		Description: "Publish a text message to every client in the room",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Message text",
				},
			},
			Required: []string{"text"},
		},
	}, s.handleSendMessage)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "room_stats",
		Description: "Get the room's subscriber count and delivery counters",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleRoomStats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "listen",
		Description: "Subscribe to the room and collect messages until the limit or the timeout is reached",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "number",
					"description": fmt.Sprintf("Maximum number of messages to collect (default %d, max %d)", defaultListenLimit, maxListenLimit),
				},
				"timeout_ms": map[string]interface{}{
					"type":        "number",
					"description": fmt.Sprintf("How long to listen in milliseconds (default %d, max %d)", defaultListenTimeout.Milliseconds(), maxListenTimeout.Milliseconds()),
				},
			},
		},
	}, s.handleListen)
}

func (s *Server) handleSendMessage(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	receivers := s.publisher.Publish(hub.Message(text))
	s.logger.Debug("message sent via mcp", "receivers", receivers)

	return jsonResult(map[string]int{"receivers": receivers})
}

func (s *Server) handleRoomStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.room.Stats())
}

// ListenResult is the payload returned by the listen tool.
type ListenResult struct {
	Messages []string `json:"messages"`
	Skipped  uint64   `json:"skipped"`
	Closed   bool     `json:"closed"`
}

func (s *Server) handleListen(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	limit := defaultListenLimit
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	if limit <= 0 || limit > maxListenLimit {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be between 1 and %d", maxListenLimit)), nil
	}

	timeout := defaultListenTimeout
	if v, ok := args["timeout_ms"].(float64); ok {
		timeout = time.Duration(v) * time.Millisecond
	}
	if timeout <= 0 || timeout > maxListenTimeout {
		return mcp.NewToolResultError(fmt.Sprintf("timeout_ms must be between 1 and %d", maxListenTimeout.Milliseconds())), nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := s.room.Subscribe()
	defer sub.Close()

	result := ListenResult{Messages: []string{}}
	for len(result.Messages) < limit {
		msg, err := sub.Recv(ctx)
		if err == nil {
			result.Messages = append(result.Messages, string(msg))
			continue
		}
		if skipped, ok := hub.IsLagged(err); ok {
			result.Skipped += skipped
			continue
		}
		if errors.Is(err, hub.ErrClosed) {
			result.Closed = true
		}
		break
	}

	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeHTTP accepts one JSON-RPC message per POST and writes the response.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	response := s.mcpServer.HandleMessage(r.Context(), body)
	if response == nil {
		// Notifications have no response.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(responseData); err != nil {
		s.logger.Warn("error writing mcp response", "error", err)
	}
}
