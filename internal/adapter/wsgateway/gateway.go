package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

// clientMessage is the inbound verb envelope.
type clientMessage struct {
	Action string `json:"action"`
	JobID  string `json:"job_id,omitempty"`
}

// serverMessage is the non-event outbound envelope (acks, errors, pong).
type serverMessage struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Gateway upgrades HTTP requests into event subscriptions and services the
// subscribe/unsubscribe/cancel verbs.
type Gateway struct {
	hub      *Hub
	jobs     *usecase.JobService
	upgrader websocket.Upgrader
}

// NewGateway wires the gateway. checkOrigin relaxes the origin check for
// development; production deployments sit behind CORS-aware ingress.
func NewGateway(hub *Hub, jobs *usecase.JobService, allowAllOrigins bool) *Gateway {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if allowAllOrigins {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{hub: hub, jobs: jobs, upgrader: up}
}

// ServeHTTP upgrades the connection and runs the read loop until the peer
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := newClient(uuid.NewString(), conn)
	observability.WSConnections.Inc()
	defer func() {
		g.hub.Detach(client)
		client.close()
		observability.WSConnections.Dec()
	}()

	go client.writePump()
	g.sendControl(client, serverMessage{Type: "connected", ClientID: client.ID})
	g.readPump(r.Context(), client)
}

func (g *Gateway) readPump(ctx context.Context, c *Client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", slog.String("client_id", c.ID), slog.Any("error", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.sendControl(c, serverMessage{Type: "error", Message: "undecodable message"})
			continue
		}
		g.dispatch(ctx, c, msg)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, msg clientMessage) {
	switch msg.Action {
	case "subscribe_job":
		if msg.JobID == "" {
			g.sendControl(c, serverMessage{Type: "error", Message: "job_id required"})
			return
		}
		g.hub.Subscribe(msg.JobID, c)
		g.sendControl(c, serverMessage{Type: "subscribed", JobID: msg.JobID})
		// Replay the current state so a late subscriber is not left waiting
		// for the next transition of an already-finished job.
		g.replayState(ctx, c, msg.JobID)
	case "unsubscribe_job":
		g.hub.Unsubscribe(msg.JobID, c)
		g.sendControl(c, serverMessage{Type: "unsubscribed", JobID: msg.JobID})
	case "cancel_job":
		err := g.jobs.Cancel(ctx, msg.JobID)
		switch {
		case err == nil:
			g.sendControl(c, serverMessage{Type: "cancel_accepted", JobID: msg.JobID})
		case errors.Is(err, domain.ErrConflict):
			g.sendControl(c, serverMessage{Type: "error", JobID: msg.JobID, Message: "job already finished"})
		case errors.Is(err, domain.ErrNotFound):
			g.sendControl(c, serverMessage{Type: "error", JobID: msg.JobID, Message: "job not found"})
		default:
			slog.Warn("websocket cancel failed", slog.String("job_id", msg.JobID), slog.Any("error", err))
			g.sendControl(c, serverMessage{Type: "error", JobID: msg.JobID, Message: "cancel failed"})
		}
	case "ping":
		g.sendControl(c, serverMessage{Type: "pong"})
	default:
		g.sendControl(c, serverMessage{Type: "error", Message: "unknown action"})
	}
}

// replayState pushes a synthetic event reflecting the job's current state.
func (g *Gateway) replayState(ctx context.Context, c *Client, jobID string) {
	job, err := g.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	ev := domain.ProgressEvent{
		JobID:   jobID,
		Percent: job.Progress.Percent,
		Phase:   job.Progress.Phase,
	}
	switch job.Status {
	case domain.JobCompleted:
		ev.Type = domain.EventCompleted
		ev.Percent = 100
		ev.DownloadURL = job.DownloadURL
		if job.ExpireAt != nil {
			ev.ExpireAt = job.ExpireAt.UTC().Format(time.RFC3339)
		}
	case domain.JobFailed:
		ev.Type = domain.EventFailed
		if job.ErrorCategory == string(domain.CategoryCancelled) {
			ev.Type = domain.EventCancelled
		}
		ev.ErrorMessage = job.ErrorMessage
		ev.ErrorCategory = job.ErrorCategory
	default:
		ev.Type = domain.EventProgress
		ev.Speed = job.Progress.Speed
		ev.ETASeconds = job.Progress.ETASeconds
	}
	if body, err := json.Marshal(ev); err == nil {
		if !c.enqueue(body) {
			g.hub.Drop(c)
		}
	}
}

func (g *Gateway) sendControl(c *Client, msg serverMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(body) {
		g.hub.Drop(c)
	}
}
