// Package httpadapter is a reference Adapter implementation showing how
// an external collaborator satisfies the types.Adapter contract without
// expanding the core tick engine's scope: an HTTP endpoint accepts
// commands that mutate a device, and a WebSocket connection is pushed a
// notification every time one of those commands raises an interrupt.
// Routes are declared in an explicit Command table at construction; no
// reflection.
package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Command describes one HTTP-triggered mutation of a device. Set
// receives the decoded request body and returns the value to echo back
// to the caller; Interrupt controls whether the command raises a
// simulation interrupt afterwards.
type Command struct {
	Method    string
	Path      string
	Set       func(body []byte) (any, error)
	Interrupt bool
}

// Adapter serves Commands over HTTP and pushes a JSON notification over
// WebSocket to every connected client whenever a command raises an
// interrupt.
type Adapter struct {
	addr     string
	commands []Command
	logger   *slog.Logger
	upgrader websocket.Upgrader

	server *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds an Adapter listening on addr (host:port) serving commands.
func New(addr string, commands []Command, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		addr:     addr,
		commands: commands,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Run implements types.Adapter. It serves HTTP until ctx is cancelled,
// at which point it shuts the server down.
func (a *Adapter) Run(ctx context.Context, raiseInterrupt func()) error {
	mux := http.NewServeMux()
	for _, cmd := range a.commands {
		mux.HandleFunc(fmt.Sprintf("%s %s", cmd.Method, cmd.Path), a.wrap(cmd, raiseInterrupt))
	}
	mux.HandleFunc("GET /interrupts", a.handleWebSocket)

	a.server = &http.Server{
		Addr:         a.addr,
		Handler:      a.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting http adapter", "addr", a.addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen and serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http adapter shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// AfterUpdate implements types.Adapter. The reference adapter has no
// state derived from the latest device update.
func (a *Adapter) AfterUpdate() {}

func (a *Adapter) wrap(cmd Command, raiseInterrupt func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := cmd.Set(body)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			a.logger.Debug("failed to write response", "error", err)
		}
		if cmd.Interrupt {
			raiseInterrupt()
			a.broadcastInterrupt(cmd.Path)
		}
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (a *Adapter) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (a *Adapter) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	a.mu.Lock()
	a.clients[conn] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.clients, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcastInterrupt pushes a notification to every connected WebSocket
// client. Each notification carries a freshly generated execution ID,
// the path of the command that raised it and the wall-clock time; the
// HTTP command response itself does not include the ID.
func (a *Adapter) broadcastInterrupt(command string) {
	msg := map[string]string{
		"id":      uuid.NewString(),
		"command": command,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for conn := range a.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			a.logger.Debug("failed to push interrupt notification", "error", err)
		}
	}
}

func (a *Adapter) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http adapter request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
