package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	commonlog "media_shuttle/server/common/log"
)

const (
	EventDownloaded    = "downloaded"
	EventDeadLettered  = "dead_lettered"
	EventCleanupFailed = "cleanup_failed"

	opsFeedChannel = "shuttle:events"
)

// OpsEvent is one entry on the operator failure/progress channel.
type OpsEvent struct {
	Type       string    `json:"type"`
	OwnerID    string    `json:"owner_id,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	StorageKey string    `json:"storage_key,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// OpsFeed fans pipeline events out to websocket subscribers and a
// redis pub/sub channel. Both sinks are best effort; losing an event
// never affects transfer processing.
type OpsFeed struct {
	rdb *redis.Client

	mu      sync.RWMutex
	writeMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

func NewOpsFeed(rdb *redis.Client) *OpsFeed {
	return &OpsFeed{rdb: rdb, conns: map[*websocket.Conn]struct{}{}}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (f *OpsFeed) Notify(ev OpsEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if f.rdb != nil {
		// Off the processing path: a slow or dead redis must not
		// delay the ack of the transfer that produced the event.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := f.rdb.Publish(ctx, opsFeedChannel, b).Err(); err != nil {
				commonlog.Warnf("event=ops_feed status=redis_publish_failed error=%v", err)
			}
		}()
	}

	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for conn := range f.conns {
		conns = append(conns, conn)
	}
	f.mu.RUnlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			f.remove(conn)
		}
	}
}

// HandleWS upgrades the request and streams events until the
// subscriber disconnects.
func (f *OpsFeed) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.mu.Unlock()
	defer f.remove(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *OpsFeed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

func (f *OpsFeed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	if _, ok := f.conns[conn]; ok {
		delete(f.conns, conn)
		_ = conn.Close()
	}
	f.mu.Unlock()
}
