// Package remote carries JSON messages between shieldpool nodes over HTTP.
// A node answers POST /message with registered handlers and can send typed
// requests to the peers in its directory.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
)

// Handler answers one message type. The returned value becomes the reply
// payload.
type Handler func(ctx context.Context, msg Message) (any, error)

// Node is a participant in the network.
type Node struct {
	ID string

	mu       sync.RWMutex
	peers    map[string]string // node id to base URL
	handlers map[string]Handler
	health   map[string]bool

	client *http.Client
	log    zerolog.Logger
}

// NewNode creates a node with a peer directory of base URLs.
func NewNode(id string, peers map[string]string, timeout time.Duration, log zerolog.Logger) *Node {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	n := &Node{
		ID:       id,
		peers:    make(map[string]string, len(peers)),
		handlers: make(map[string]Handler),
		health:   make(map[string]bool),
		client:   &http.Client{Timeout: timeout},
		log:      log.With().Str("node", id).Logger(),
	}
	for k, v := range peers {
		n.peers[k] = v
	}
	n.RegisterHandler(TypePing, func(ctx context.Context, msg Message) (any, error) {
		return PingPayload{Time: time.Now().Unix()}, nil
	})
	return n
}

// RegisterHandler installs h for msgType, replacing any previous handler.
func (n *Node) RegisterHandler(msgType string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[msgType] = h
}

// AddPeer adds or replaces a directory entry.
func (n *Node) AddPeer(id, baseURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = baseURL
}

// Routes mounts the message endpoint.
func (n *Node) Routes(r gin.IRouter) {
	r.POST("/message", n.messageHandler)
}

func (n *Node) messageHandler(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		n.log.Warn().Err(err).Msg("bad message body")
		c.JSON(http.StatusBadRequest, Message{SenderID: n.ID, Error: &ErrorReply{
			Kind: fault.KindInvalidInput.String(), Message: "invalid message body",
		}})
		return
	}

	n.mu.RLock()
	h, ok := n.handlers[msg.Type]
	n.mu.RUnlock()
	reply := Message{ID: msg.ID, Type: msg.Type, SenderID: n.ID}
	if !ok {
		n.log.Warn().Str("type", msg.Type).Str("from", msg.SenderID).Msg("unknown message type")
		reply.Error = &ErrorReply{Kind: fault.KindNotFound.String(), Message: "unknown message type " + msg.Type}
		c.JSON(http.StatusNotFound, reply)
		return
	}

	n.log.Debug().Str("type", msg.Type).Str("from", msg.SenderID).Str("id", msg.ID).Msg("message received")
	out, err := h(c.Request.Context(), msg)
	if err != nil {
		reply.Error = &ErrorReply{Kind: fault.KindOf(err).String(), Message: err.Error()}
		c.JSON(fault.HTTPStatus(err), reply)
		return
	}
	if out != nil {
		if reply.Payload, err = json.Marshal(out); err != nil {
			reply.Error = &ErrorReply{Kind: fault.KindUnknown.String(), Message: "encode reply"}
			c.JSON(http.StatusInternalServerError, reply)
			return
		}
	}
	c.JSON(http.StatusOK, reply)
}

// SendMessage sends payload to a peer and decodes the reply payload into
// reply, when reply is non-nil. Errors reported by the peer keep their kind.
func (n *Node) SendMessage(ctx context.Context, targetID, msgType string, payload, reply any) error {
	n.mu.RLock()
	base, ok := n.peers[targetID]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: peer %q not in directory", fault.ErrRecordNotFound, targetID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{ID: uuid.NewString(), Type: msgType, Payload: body, SenderID: n.ID}
	envelope, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/message", bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	n.log.Debug().Str("type", msgType).Str("to", targetID).Str("id", msg.ID).Msg("sending message")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", msgType, targetID, err)
	}
	defer resp.Body.Close()

	var answer Message
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return fmt.Errorf("decode reply from %s (%s): %w", targetID, resp.Status, err)
	}
	if answer.Error != nil {
		return fault.New(fault.ParseKind(answer.Error.Kind), answer.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned %s", targetID, resp.Status)
	}
	if reply != nil && len(answer.Payload) > 0 {
		if err := json.Unmarshal(answer.Payload, reply); err != nil {
			return fmt.Errorf("decode %s reply: %w", msgType, err)
		}
	}
	return nil
}

// Ping checks that a peer answers.
func (n *Node) Ping(ctx context.Context, targetID string) error {
	var pong PingPayload
	return n.SendMessage(ctx, targetID, TypePing, PingPayload{Time: time.Now().Unix()}, &pong)
}

// HealthCheck pings every peer and records which ones answered.
func (n *Node) HealthCheck(ctx context.Context) map[string]bool {
	n.mu.RLock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	result := make(map[string]bool, len(ids))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := n.Ping(ctx, id)
			if err != nil {
				n.log.Warn().Err(err).Str("peer", id).Msg("peer unhealthy")
			}
			mu.Lock()
			result[id] = err == nil
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	n.mu.Lock()
	for id, ok := range result {
		n.health[id] = ok
	}
	n.mu.Unlock()
	return result
}

// Healthy reports the last health check result for a peer.
func (n *Node) Healthy(peerID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health[peerID]
}
