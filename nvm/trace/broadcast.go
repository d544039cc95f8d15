package trace

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster relays trace records to websocket subscribers. Steps are
// queued through a buffered channel so the execution loop never blocks
// on a slow client; when the queue fills, records are dropped.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	queue   chan interface{}
	done    chan struct{}
}

func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		clients: make(map[*websocket.Conn]struct{}),
		queue:   make(chan interface{}, 4096),
		done:    make(chan struct{}),
	}
	go b.pump()
	return b
}

// ServeHTTP upgrades a subscriber connection.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug(log.TraceMonitoring, "websocket upgrade failed", "err", err)
		return
	}
	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	log.Debug(log.TraceMonitoring, "trace subscriber connected", "remote", conn.RemoteAddr().String())
}

func (b *Broadcaster) pump() {
	for {
		select {
		case rec := <-b.queue:
			b.mu.Lock()
			for conn := range b.clients {
				if err := conn.WriteJSON(rec); err != nil {
					conn.Close()
					delete(b.clients, conn)
				}
			}
			b.mu.Unlock()
		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) enqueue(rec interface{}) {
	select {
	case b.queue <- rec:
	default:
	}
}

func (b *Broadcaster) Step(st nvm.TraceStep) {
	b.enqueue(st)
}

func (b *Broadcaster) Finish(state nvm.MachineState, kind nvm.TrapKind, r0 uint64) {
	b.enqueue(summary{Final: true, State: state.String(), Trap: kind.String(), R0: r0})
}

// Close disconnects all subscribers and stops the pump.
func (b *Broadcaster) Close() {
	close(b.done)
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
	}
	b.clients = map[*websocket.Conn]struct{}{}
}
