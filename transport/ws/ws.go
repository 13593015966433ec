// Package ws provides a WebSocket transport for carrying mesh frames
// between nodes reachable over IP. Unlike mqtt and serial, a single ws
// Transport genuinely manages many independent peer connections at once:
// it can both accept inbound connections (as an http.Handler) and dial
// outbound ones, reporting a distinct core.Device per connection, the
// same way transport/mock's endpoint map works for an in-memory peer set.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// DefaultPath is the default HTTP path this transport upgrades on the
// server side.
const DefaultPath = "/mesh"

// DefaultHandshakeTimeout bounds both the server-side upgrade and the
// client-side dial.
const DefaultHandshakeTimeout = 10 * time.Second

// Config holds the configuration for a WebSocket transport.
type Config struct {
	// ListenAddr, if non-empty, starts an HTTP server on this address that
	// accepts inbound peer connections on Path.
	ListenAddr string

	// Path is the HTTP path the server upgrades on. Default: DefaultPath.
	Path string

	// DialURLs are peer WebSocket URLs ("ws://host:port/mesh") to connect
	// to outbound when Start is called.
	DialURLs []string

	// HandshakeTimeout bounds the upgrade/dial handshake.
	// Default: DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Logger for transport events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Transport implements transport.Transport over WebSocket connections. A
// single Transport may hold many simultaneous connections, each reported
// as its own core.Device.
type Transport struct {
	cfg Config
	log *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	conns map[string]*peerConn // core.Device.ID -> connection
	callbacks transport.Callbacks
}

// peerConn wraps one WebSocket connection with the mutex gorilla's Conn
// requires around concurrent writes.
type peerConn struct {
	conn   *websocket.Conn
	device core.Device
	wmu    sync.Mutex
}

// New creates a WebSocket transport bound to cfg.
func New(cfg Config) *Transport {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:      cfg,
		log:      logger.WithGroup("ws"),
		upgrader: websocket.Upgrader{HandshakeTimeout: cfg.HandshakeTimeout},
		conns:    make(map[string]*peerConn),
	}
}

// SetCallbacks installs the callbacks this Transport invokes. Call before
// Start.
func (t *Transport) SetCallbacks(cb transport.Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// Start begins accepting inbound connections (if ListenAddr is set) and
// dials every configured DialURLs entry. It returns once the listener is
// up and all dial attempts have been launched; dial failures are logged,
// not returned, since peers are expected to come and go.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc(t.cfg.Path, t.handleUpgrade)
		t.server = &http.Server{Addr: t.cfg.ListenAddr, Handler: mux}

		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("ws: listen: %w", err)
		}
		go func() {
			if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("server stopped", "error", err)
			}
		}()
		t.log.Info("listening", "addr", t.cfg.ListenAddr, "path", t.cfg.Path)
	}

	for _, url := range t.cfg.DialURLs {
		go t.dial(url)
	}

	go func() {
		<-ctx.Done()
		t.Stop()
	}()

	return nil
}

// Stop closes the listener, every open connection, and returns.
func (t *Transport) Stop() error {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[string]*peerConn)
	srv := t.server
	t.server = nil
	t.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// Write sends data as a single binary WebSocket message to device.
// Completion is reported asynchronously via
// Callbacks.OnWriteCompleted/OnWriteFailed.
func (t *Transport) Write(device core.Device, data []byte) error {
	t.mu.RLock()
	pc, ok := t.conns[device.ID]
	cb := t.callbacks
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ws: no connection to device %s", device.ID)
	}

	go func() {
		pc.wmu.Lock()
		err := pc.conn.WriteMessage(websocket.BinaryMessage, data)
		pc.wmu.Unlock()

		if err != nil {
			if cb.OnWriteFailed != nil {
				cb.OnWriteFailed(device, err)
			}
			return
		}
		if cb.OnWriteCompleted != nil {
			cb.OnWriteCompleted(device)
		}
	}()
	return nil
}

// Close closes the connection to device, if any.
func (t *Transport) Close(device core.Device) error {
	t.mu.Lock()
	pc, ok := t.conns[device.ID]
	if ok {
		delete(t.conns, device.ID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pc.conn.Close()
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	device := core.Device{ID: r.RemoteAddr, StreamID: r.RemoteAddr}
	t.addConn(device, conn)
}

func (t *Transport) dial(url string) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.log.Warn("dial failed", "url", url, "error", err)
		return
	}
	device := core.Device{ID: url, StreamID: url}
	t.addConn(device, conn)
}

func (t *Transport) addConn(device core.Device, conn *websocket.Conn) {
	pc := &peerConn{conn: conn, device: device}

	t.mu.Lock()
	t.conns[device.ID] = pc
	cb := t.callbacks
	t.mu.Unlock()

	if cb.OnDeviceAvailable != nil {
		cb.OnDeviceAvailable(device)
	}
	go t.readLoop(pc)
}

func (t *Transport) readLoop(pc *peerConn) {
	defer func() {
		t.mu.Lock()
		if t.conns[pc.device.ID] == pc {
			delete(t.conns, pc.device.ID)
		}
		cb := t.callbacks
		t.mu.Unlock()
		pc.conn.Close()
		if cb.OnDeviceLost != nil {
			cb.OnDeviceLost(pc.device)
		}
	}()

	for {
		msgType, data, err := pc.conn.ReadMessage()
		if err != nil {
			t.log.Debug("read failed", "device", pc.device.ID, "error", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		t.mu.RLock()
		cb := t.callbacks
		t.mu.RUnlock()
		if cb.OnPacketBytes != nil {
			cb.OnPacketBytes(pc.device.StreamID, data)
		}
	}
}
