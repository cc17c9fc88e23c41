package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"shockctl/pkg/timeline"
)

// JSON-RPC 2.0 structures

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// wsClient is one websocket connection. Sends never block the broadcaster;
// a full queue drops the message.
type wsClient struct {
	id      int64
	conn    *websocket.Conn
	server  *Server
	sendCh  chan any
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 256),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the client.
func (c *wsClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		if c.dropped.Add(1) == 1 {
			c.server.log.Warn("websocket client %d is slow, dropping messages", c.id)
		}
	}
}

// Close closes the client connection once.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("websocket read error: %v", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.Debug("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, -32700, "Parse error")
		return
	}
	result, err := c.server.dispatch(req.Method, req.Params)
	if err != nil {
		c.sendError(req.ID, -32000, err.Error())
		return
	}
	c.Send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (c *wsClient) sendError(id any, code int, message string) {
	c.Send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: id})
}

// dispatch runs one websocket JSON-RPC method.
func (s *Server) dispatch(method string, params json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch method {
	case "server.status":
		return s.sess.Status(), nil
	case "run.start":
		var p startRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		id, err := s.sess.Start(ctx, p.Experiment)
		if err != nil {
			return nil, err
		}
		return map[string]string{"run_id": id}, nil
	case "run.stop":
		stopped, err := s.sess.Stop(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"stopped": stopped}, nil
	case "device.manual":
		var p manualRequest
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		side, err := timeline.ParseSide(p.Side)
		if err != nil {
			return nil, err
		}
		ack, err := s.sess.Manual(side)
		if err != nil {
			return nil, err
		}
		return map[string]string{"side": side.String(), "ack": ack}, nil
	}
	return nil, fmt.Errorf("method not found: %s", method)
}

// handleWebSocket upgrades the connection and streams run events.
// GET /websocket
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade error: %v", err)
		return nil
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d connected", client.id)

	client.Send(notification{JSONRPC: "2.0", Method: "notify_status", Params: []any{s.sess.Status()}})
	go client.writePump()
	client.readPump()
	return nil
}

func (s *Server) removeClient(c *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, c.id)
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d disconnected", c.id)
}
