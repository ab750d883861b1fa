// Package api exposes the engine to UI clients over a WebSocket: engine
// events flow out through the hub, commands flow in as JSON messages.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/heronmail/heron/internal/models"
	ws "github.com/heronmail/heron/internal/websocket"
)

// Controller is the command surface the UI drives. The account manager
// implements it.
type Controller interface {
	Query() error
	QueryThreadDetails(threadID string) error
	SetRead(ids []string) error
	ArchiveMessages(ids []string) error
	Add(address string, conn models.ConnectionOptions) (models.AccountConnectionStatus, error)
	Verify(conn models.ConnectionOptions) models.AccountConnectionStatus
	Select(id string) error
}

// command is one inbound UI message.
type command struct {
	Action     string                    `json:"action"`
	ThreadID   string                    `json:"thread_id,omitempty"`
	IDs        []string                  `json:"ids,omitempty"`
	Address    string                    `json:"address,omitempty"`
	AccountID  string                    `json:"account_id,omitempty"`
	Connection *models.ConnectionOptions `json:"connection,omitempty"`
}

// reply is a direct response to one client, distinct from the broadcast
// event stream.
type reply struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type commandError struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

// WebSocketHandler handles the /ws endpoint.
type WebSocketHandler struct {
	hub        *ws.Hub
	controller Controller
}

// NewWebSocketHandler creates a handler bridging the hub and the controller.
func NewWebSocketHandler(hub *ws.Hub, controller Controller) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, controller: controller}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to localhost for the local UI only.
		return true
	},
}

// Handle upgrades the connection, registers it for the event stream and
// starts the command read loop.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: failed to upgrade connection: %v", err)
		return
	}

	client := h.hub.Register(conn)
	go h.readLoop(client)
}

// readLoop reads commands until the connection closes, then unregisters.
func (h *WebSocketHandler) readLoop(client *ws.Client) {
	defer h.hub.Unregister(client)

	conn := client.Conn()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			log.Printf("api: dropping malformed command: %v", err)
			continue
		}

		// Mail operations can take seconds; keep the read loop responsive.
		go h.dispatch(client, cmd)
	}
}

func (h *WebSocketHandler) dispatch(client *ws.Client, cmd command) {
	var err error
	switch cmd.Action {
	case "query":
		err = h.controller.Query()

	case "query_thread_details":
		err = h.controller.QueryThreadDetails(cmd.ThreadID)

	case "set_read":
		err = h.controller.SetRead(cmd.IDs)

	case "archive_messages":
		err = h.controller.ArchiveMessages(cmd.IDs)

	case "add_account":
		if cmd.Connection == nil {
			h.replyError(client, cmd.Action, "connection options are required")
			return
		}
		var status models.AccountConnectionStatus
		status, err = h.controller.Add(cmd.Address, *cmd.Connection)
		if err == nil {
			h.reply(client, "account_status", status)
		}

	case "verify_account":
		if cmd.Connection == nil {
			h.replyError(client, cmd.Action, "connection options are required")
			return
		}
		h.reply(client, "account_status", h.controller.Verify(*cmd.Connection))

	case "select_account":
		err = h.controller.Select(cmd.AccountID)
		if err == nil {
			// A fresh selection means a fresh view.
			err = h.controller.Query()
		}

	default:
		h.replyError(client, cmd.Action, "unknown action")
		return
	}

	if err != nil {
		log.Printf("api: %s failed: %v", cmd.Action, err)
		h.replyError(client, cmd.Action, err.Error())
	}
}

func (h *WebSocketHandler) reply(client *ws.Client, replyType string, payload interface{}) {
	msg, err := json.Marshal(reply{Type: replyType, Payload: payload})
	if err != nil {
		log.Printf("api: failed to encode %s reply: %v", replyType, err)
		return
	}
	if err := client.Write(msg); err != nil {
		log.Printf("api: failed to send %s reply: %v", replyType, err)
	}
}

func (h *WebSocketHandler) replyError(client *ws.Client, action, message string) {
	h.reply(client, "command_error", commandError{Action: action, Error: message})
}
