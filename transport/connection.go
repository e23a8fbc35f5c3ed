package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"exchange-coordinator/broadcast"
	"exchange-coordinator/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errConnectionClosed = errors.New("connection closed")

type marketKey struct {
	chainId int64
	market  string
}

// Connection is one client websocket. Writes are serialized; reads happen on
// the server's read loop only.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	mu      sync.RWMutex
	chainId int64
	userId  string
	markets map[marketKey]bool
}

func NewConnection(conn *websocket.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		markets:      make(map[marketKey]bool),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *Connection) ChainId() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainId
}

func (c *Connection) Login(chainId int64, userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainId = chainId
	c.userId = userId
}

func (c *Connection) Subscribe(chainId int64, market string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[marketKey{chainId: chainId, market: market}] = true
}

func (c *Connection) Unsubscribe(chainId int64, market string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, marketKey{chainId: chainId, market: market})
}

func (c *Connection) Subscribed(chainId int64, market string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if market != broadcast.TargetAll {
		return c.markets[marketKey{chainId: chainId, market: market}]
	}

	if c.chainId == chainId {
		return true
	}
	for key := range c.markets {
		if key.chainId == chainId {
			return true
		}
	}
	return false
}

func (c *Connection) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return errConnectionClosed
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Reply sends a message straight to this connection, bypassing the fanout.
func (c *Connection) Reply(msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return errConnectionClosed
	}
	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *Connection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
