// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package feed serves the read-only batch summary projection over HTTP and
// websocket. The feed never mutates auction state: it polls a Source for the
// current summary and pushes it to subscribers on a fixed interval.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/batchex/batchex/server/auction"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// maxClients is the maximum number of active websocket subscribers.
	maxClients = 500

	// httpTimeout is the read and write timeout for plain HTTP requests. It
	// does not apply to upgraded websocket connections.
	httpTimeout = 10 * time.Second

	// pushInterval is how often the summary is pushed to subscribers.
	pushInterval = time.Second

	// writeWait bounds a single websocket write.
	writeWait = 5 * time.Second

	// ipMaxRatePerSec is the maximum HTTP request rate per client IP.
	ipMaxRatePerSec = 5
	ipMaxBurstSize  = 20
)

// Source provides the summary projection. *auction.Auctioneer is a Source.
type Source interface {
	Summary() *auction.Summary
}

// ipRateLimiter tracks an IP's HTTP request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// Config is the feed server configuration.
type Config struct {
	// Addr is the TCP listen address.
	Addr string
	// Source provides summaries.
	Source Source
}

// Server is the summary feed server.
type Server struct {
	src  Source
	addr string

	limiterMtx sync.Mutex
	limiters   map[string]*ipRateLimiter

	clientMtx sync.RWMutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a feed server. Run must be called for it to serve.
func NewServer(cfg *Config) *Server {
	return &Server{
		src:      cfg.Source,
		addr:     cfg.Addr,
		limiters: make(map[string]*ipRateLimiter),
		clients:  make(map[*wsClient]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Run starts the server and blocks until the context is canceled and the
// listener and all subscriber connections are down.
func (s *Server) Run(ctx context.Context) error {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
	}

	var wg sync.WaitGroup

	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if s.clientCount() >= maxClients {
			http.Error(w, "server at maximum capacity", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("ws upgrade error: %v", err)
			return
		}
		// http.Server.Shutdown does not wait for upgraded connections, so
		// each handler is tracked here.
		log.Debugf("New summary subscriber from %s", r.RemoteAddr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.websocketHandler(ctx, conn)
		}()
	})

	mux.Route("/api", func(rr chi.Router) {
		rr.Use(s.limitRate)
		rr.Get("/summary", s.handleSummary)
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Feed server listening on %s", s.addr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("unexpected (http.Server).ListenAndServe error: %v", err)
		}
	}()

	// Push the summary to subscribers on a fixed interval, and keep the rate
	// limiter map clean.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pushTicker := time.NewTicker(pushInterval)
		defer pushTicker.Stop()
		cleanTicker := time.NewTicker(5 * time.Minute)
		defer cleanTicker.Stop()
		for {
			select {
			case <-pushTicker.C:
				s.broadcast()
			case <-cleanTicker.C:
				s.limiterMtx.Lock()
				for ip, limiter := range s.limiters {
					if time.Since(limiter.lastHit) > time.Minute {
						delete(s.limiters, ip)
					}
				}
				s.limiterMtx.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	log.Infof("Feed server shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Warnf("http.Server.Shutdown: %v", err)
	}
	s.disconnectClients()
	wg.Wait()
	log.Infof("Feed server shutdown complete")
	return nil
}

// handleSummary is the GET /api/summary handler.
func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(s.src.Summary())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(b)
}

// websocketHandler runs a subscriber connection until it drops or the server
// shuts down. The read loop exists only to notice disconnects; subscribers
// send nothing meaningful.
func (s *Server) websocketHandler(ctx context.Context, conn *websocket.Conn) {
	cl := &wsClient{
		conn: conn,
		send: make(chan []byte, 4),
	}
	s.addClient(cl)
	defer s.removeClient(cl)
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case b := <-cl.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Tracef("Subscriber write error: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// broadcast pushes the current summary to every subscriber. Subscribers that
// cannot keep up miss pushes rather than blocking the broadcast.
func (s *Server) broadcast() {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	b, err := json.Marshal(s.src.Summary())
	if err != nil {
		log.Errorf("Summary marshal error: %v", err)
		return
	}
	for cl := range s.clients {
		select {
		case cl.send <- b:
		default:
		}
	}
}

func (s *Server) addClient(cl *wsClient) {
	s.clientMtx.Lock()
	s.clients[cl] = struct{}{}
	s.clientMtx.Unlock()
}

func (s *Server) removeClient(cl *wsClient) {
	s.clientMtx.Lock()
	delete(s.clients, cl)
	s.clientMtx.Unlock()
}

func (s *Server) clientCount() int {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	return len(s.clients)
}

func (s *Server) disconnectClients() {
	s.clientMtx.Lock()
	for cl := range s.clients {
		cl.conn.Close()
	}
	s.clientMtx.Unlock()
}

// limitRate is rate-limiting middleware for the HTTP API, both per-IP and
// globally.
var globalHTTPRateLimiter = rate.NewLimiter(100, 1000)

func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		s.limiterMtx.Lock()
		limiter, found := s.limiters[ip]
		if !found {
			limiter = &ipRateLimiter{
				Limiter: rate.NewLimiter(ipMaxRatePerSec, ipMaxBurstSize),
			}
			s.limiters[ip] = limiter
		}
		limiter.lastHit = time.Now()
		s.limiterMtx.Unlock()
		if !limiter.Allow() || !globalHTTPRateLimiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
