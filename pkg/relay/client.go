package relay

import (
	"context"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/protocol"
)

// Payloads travel base64-encoded inside JSON frames.
const frameOverhead = 4096

// client is one relay websocket. The read side runs in serve.
type client struct {
	*wsConn
	hub    *Hub
	logger *zap.Logger
	synced bool
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{wsConn: newWSConn(conn, h.logger), hub: h, logger: h.logger}
}

func (c *client) serve(ctx context.Context) {
	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	pingPeriod := c.hub.cfg.HeartbeatInterval
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(pingPeriod)
	}()
	defer func() {
		c.close()
		<-done
	}()

	c.keepAlive(pingPeriod, int64(c.hub.cfg.MaxDocumentSize)*4/3+frameOverhead)

	join, err := c.read()
	if err != nil {
		return
	}
	if join.Type != protocol.TypeJoin {
		c.fail(errJoinExpected)
		return
	}
	if !validRoomName(join.Room) {
		c.fail(errInvalidRoomName)
		return
	}

	r, err := c.hub.join(ctx, join.Room, c)
	if err != nil {
		c.logger.Warn("Join rejected", zap.String("room", join.Room), zap.Error(err))
		c.fail(err)
		return
	}
	defer c.hub.leave(r, c)

	c.logger = r.logger.With(zap.Uint64("client_id", join.ClientID))
	c.logger.Info("Client connected")
	defer c.logger.Info("Client disconnected")

	if err := r.welcome(c); err != nil {
		c.logger.Error("Failed to send room state", zap.Error(err))
		c.fail(err)
		return
	}

	for {
		env, err := c.read()
		if err != nil {
			return
		}
		if err := c.handle(r, env); err != nil {
			c.logger.Warn("Closing client", zap.Error(err))
			c.fail(err)
			return
		}
	}
}

func (c *client) handle(r *room, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSync:
		if err := r.applyUpdate(c, env.Payload, true); err != nil {
			return err
		}
		if !c.synced {
			c.synced = true
			c.sendEnvelope(protocol.Envelope{Type: protocol.TypeSynced})
		}
	case protocol.TypeUpdate:
		return r.applyUpdate(c, env.Payload, false)
	case protocol.TypeAwareness:
		if err := r.applyAwareness(c, env.Payload); err != nil {
			c.logger.Warn("Dropping awareness update", zap.Error(err))
		}
	case protocol.TypeAwarenessRemove:
		r.removeAwareness(c, env.Clients)
	default:
		c.logger.Debug("Ignoring frame", zap.String("type", string(env.Type)))
	}
	return nil
}

// read returns the next well-formed envelope, skipping malformed frames.
func (c *client) read() (protocol.Envelope, error) {
	for {
		data, err := c.readFrame()
		if err != nil {
			return protocol.Envelope{}, err
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debug("Dropping malformed frame", zap.Error(err))
			continue
		}
		return env, nil
	}
}

// fail reports err to the client; the connection closes once it is written.
func (c *client) fail(err error) {
	c.sendEnvelope(protocol.Envelope{Type: protocol.TypeError, Error: err.Error()})
	c.close()
}

func (c *client) sendEnvelope(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	c.send(data)
}

