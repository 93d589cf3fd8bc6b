// Package gateway exposes live log streaming to websocket subscribers:
// replay persisted history first, then bridge to the live fan-out.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/logstream"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

const writeTimeout = 10 * time.Second

type clientMessage struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deploymentId"`
}

type serverMessage struct {
	Type         string     `json:"type"`
	DeploymentID string     `json:"deploymentId,omitempty"`
	Source       string     `json:"source,omitempty"`
	Level        string     `json:"level,omitempty"`
	Data         string     `json:"data,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// Gateway upgrades websocket connections and serves the subscription
// protocol.
type Gateway struct {
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	stream      *logstream.Stream
	replay      int
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// New constructs a Gateway. replay bounds how many runtime lines are
// replayed on subscribe.
func New(
	deployments repository.DeploymentRepository,
	logs repository.LogRepository,
	stream *logstream.Stream,
	replay int,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		deployments: deployments,
		logs:        logs,
		stream:      stream,
		replay:      replay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}
}

// ServeHTTP upgrades the connection and runs the read loop until the
// client disconnects. Every subscription taken on the connection is
// detached on disconnect.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	subscribed := make(map[string]struct{})
	defer func() {
		for deploymentID := range subscribed {
			g.stream.Detach(deploymentID)
		}
		_ = conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if msg.Type != "subscribe" || msg.DeploymentID == "" {
			_ = c.send(serverMessage{Type: "error", Message: "expected {type: subscribe, deploymentId}"})
			continue
		}
		if err := g.subscribe(r, c, msg.DeploymentID); err != nil {
			_ = c.send(serverMessage{Type: "error", Message: err.Error()})
			continue
		}
		subscribed[msg.DeploymentID] = struct{}{}
	}
}

// subscribe replays persisted history and, for a running deployment,
// bridges live output to the subscriber. History always precedes the
// first live line for this subscriber.
func (g *Gateway) subscribe(r *http.Request, c *client, deploymentID string) error {
	ctx := r.Context()

	deployment, err := g.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.New("deployment not found")
		}
		g.logger.Error("resolving deployment for subscription", "deployment_id", deploymentID, "error", err)
		return errors.New("subscription failed")
	}

	buildLines, err := g.logs.ListBuildLogs(ctx, deploymentID)
	if err != nil {
		g.logger.Error("loading build logs", "deployment_id", deploymentID, "error", err)
		return errors.New("subscription failed")
	}
	for _, line := range buildLines {
		if err := c.sendLine(line); err != nil {
			return errors.New("subscriber gone")
		}
	}

	if deployment.Status == domain.StatusRunning && deployment.ContainerID != "" {
		runtimeLines, err := g.logs.ListRuntimeLogs(ctx, deploymentID, g.replay)
		if err != nil {
			g.logger.Error("loading runtime logs", "deployment_id", deploymentID, "error", err)
			return errors.New("subscription failed")
		}
		for _, line := range runtimeLines {
			if err := c.sendLine(line); err != nil {
				return errors.New("subscriber gone")
			}
		}

		err = g.stream.Attach(ctx, deploymentID, deployment.ContainerID, func(line domain.LogLine) {
			_ = c.sendLine(line)
		})
		if err != nil {
			g.logger.Error("attaching log stream", "deployment_id", deploymentID, "error", err)
			return errors.New("log stream unavailable")
		}
	}

	return c.send(serverMessage{Type: "subscribed", DeploymentID: deploymentID})
}

// client serializes concurrent writers on one websocket connection. Live
// fan-out callbacks and the subscribe path may write at the same time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg serverMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) sendLine(line domain.LogLine) error {
	ts := line.Timestamp
	return c.send(serverMessage{
		Type:      "log",
		Source:    line.Source,
		Level:     line.Level,
		Data:      line.Line,
		Timestamp: &ts,
	})
}
