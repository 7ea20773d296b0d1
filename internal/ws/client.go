package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// client owns the write side of one socket. Only run writes to the connection
// until it exits, after which stop or stopGraceful may write the close frame.
type client struct {
	id      string
	conn    *websocket.Conn
	clock   clockwork.Clock
	limiter *rate.Limiter

	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClient(id string, conn *websocket.Conn, c Config) *client {
	cl := &client{
		id:           id,
		conn:         conn,
		clock:        c.Clock,
		limiter:      rate.NewLimiter(rate.Limit(c.MessageRate), c.MessageBurst),
		writeTimeout: c.WriteTimeout,
		readTimeout:  c.ConnectionTimeout,
		pingInterval: c.ConnectionTimeout / 2,
		send:         make(chan []byte, c.SendBuffer),
		done:         make(chan struct{}),
	}

	cl.configurePongHandler()
	cl.wg.Add(1)
	go cl.run()

	return cl
}

func (cl *client) run() {
	ticker := cl.clock.NewTicker(cl.pingInterval)
	defer ticker.Stop()
	defer cl.wg.Done()

	for {
		select {
		case msg := <-cl.send:
			if err := cl.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			if err := cl.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

// enqueue queues a frame without blocking. It reports false when the client
// is stopped or its buffer is full.
func (cl *client) enqueue(msg []byte) bool {
	select {
	case <-cl.done:
		return false
	default:
	}

	select {
	case cl.send <- msg:
		return true
	default:
		return false
	}
}

func (cl *client) alive() bool {
	select {
	case <-cl.done:
		return false
	default:
		return true
	}
}

func (cl *client) stop() {
	cl.stopOnce.Do(func() {
		close(cl.done)
		_ = cl.conn.Close()
	})
	cl.wg.Wait()
}

// stopGraceful writes the frames still queued, then a close frame with reason.
func (cl *client) stopGraceful(reason string) {
	cl.stopOnce.Do(func() {
		close(cl.done)
		cl.wg.Wait()

	flush:
		for {
			select {
			case msg := <-cl.send:
				if err := cl.write(websocket.TextMessage, msg); err != nil {
					break flush
				}
			default:
				break flush
			}
		}

		_ = cl.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		_ = cl.conn.Close()
	})
}

func (cl *client) write(messageType int, data []byte) error {
	_ = cl.conn.SetWriteDeadline(cl.clock.Now().Add(cl.writeTimeout))
	return cl.conn.WriteMessage(messageType, data)
}

func (cl *client) configurePongHandler() {
	cl.extendReadDeadline()
	cl.conn.SetPongHandler(func(string) error {
		cl.extendReadDeadline()
		return nil
	})
}

func (cl *client) extendReadDeadline() {
	_ = cl.conn.SetReadDeadline(cl.clock.Now().Add(cl.readTimeout))
}
