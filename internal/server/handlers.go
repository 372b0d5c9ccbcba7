// Package server exposes the plain HTTP handlers that share the listener with
// the relay endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}

// StatsResponse is the body served by StatsHandler.
type StatsResponse struct {
	hub.Stats
	ActiveSessions int `json:"active_sessions"`
}

// PublishResponse is the body returned by PublishHandler.
type PublishResponse struct {
	Receivers int `json:"receivers"`
}

// StatsHandler reports hub counters and the number of live sessions as JSON.
func (a *Acceptor) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:          a.room.Stats(),
		ActiveSessions: a.ActiveSessions(),
	}, a.logger)
}

// PublishHandler injects the request body into the room as one message. The
// response says how many subscribers the message was offered to, so callers
// can tell an empty room apart from a delivered message.
func (a *Acceptor) PublishHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Message exceeds maximum size of %d bytes.", a.cfg.MaxMessageSize), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Unable to read request body.", http.StatusBadRequest)
		return
	}

	if len(body) == 0 {
		http.Error(w, "Message body must not be empty.", http.StatusBadRequest)
		return
	}
	if !utf8.Valid(body) {
		http.Error(w, "Message must be valid UTF-8.", http.StatusBadRequest)
		return
	}

	receivers := a.publisher.Publish(hub.Message(body))
	if receivers == 0 {
		a.logger.Debug("http publish into an empty room", "remote", r.RemoteAddr)
	}

	writeJSON(w, http.StatusAccepted, PublishResponse{Receivers: receivers}, a.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("error writing JSON response", "error", err)
	}
}

// TestPageHandler serves an HTML test page for trying the relay from a browser.
// The page connects back to /ws on the same host, using wss when served over https.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; max-width: 640px; }
        #messages {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 360px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .notice { color: gray; font-style: italic; }
    </style>
</head>
<body>
    <h1>GoChat Relay</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <form id="form">
        <input type="text" id="messageInput" placeholder="Type a message..." autocomplete="off" disabled>
        <button id="sendButton" type="submit" disabled>Send</button>
        <button id="connectButton" type="button">Connect</button>
    </form>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, notice) {
            const line = document.createElement('div');
            line.textContent = text;
            if (notice) {
                line.className = 'notice';
            }
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
            ws = new WebSocket(scheme + '://' + location.host + '/ws');
            ws.onopen = function() { addLine('Connected', true); updateStatus(true); };
            ws.onmessage = function(event) { addLine(event.data, false); };
            ws.onclose = function() { addLine('Connection closed', true); updateStatus(false); ws = null; };
            ws.onerror = function() { addLine('Connection error', true); };
        }

        connectButton.addEventListener('click', function() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        });

        document.getElementById('form').addEventListener('submit', function(e) {
            e.preventDefault();
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(text);
                messageInput.value = '';
            }
        });
    </script>
</body>
</html>`
