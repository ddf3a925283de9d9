// Package devserver is a stub of the task-execution backend for demos and
// manual testing. It speaks the same wire contract: a websocket update stream
// per user plus the enqueue/cancel/steer command endpoints, replaying a
// scripted research run for every enqueued query.
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"scout/internal/logging"
)

// Config configures the dev server.
type Config struct {
	Host string
	Port int
	// FrameInterval is the pause between replayed frames.
	FrameInterval time.Duration
}

// DefaultConfig returns the default listen address and replay pacing.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          8000,
		FrameInterval: 300 * time.Millisecond,
	}
}

// Server replays scripted agent runs over the backend wire contract.
type Server struct {
	config   Config
	logger   logging.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	feeds   map[string][]chan []byte
	cancels map[string]context.CancelFunc

	framesPublished prometheus.Counter
	tasksEnqueued   prometheus.Counter
}

// New creates a dev server.
func New(config Config, logger logging.Logger) *Server {
	if config.FrameInterval <= 0 {
		config.FrameInterval = DefaultConfig().FrameInterval
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	registry := prometheus.NewRegistry()
	framesPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scout_devserver_frames_published_total",
		Help: "Progress frames pushed to websocket subscribers.",
	})
	tasksEnqueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scout_devserver_tasks_enqueued_total",
		Help: "Tasks accepted via /api/enqueue.",
	})
	registry.MustRegister(framesPublished, tasksEnqueued)

	server := &Server{
		config: config,
		logger: logging.OrNop(logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		feeds:           make(map[string][]chan []byte),
		cancels:         make(map[string]context.CancelFunc),
		framesPublished: framesPublished,
		tasksEnqueued:   tasksEnqueued,
	}

	engine.GET("/ws/:user_id", server.handleStream)
	engine.POST("/api/enqueue", server.handleEnqueue)
	engine.POST("/api/cancel", server.handleCancel)
	engine.POST("/api/steer", server.handleSteer)
	engine.GET("/healthz", server.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return server
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.engine,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("dev server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

func (s *Server) handleStream(c *gin.Context) {
	userID := c.Param("user_id")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed for user %s: %v", userID, err)
		return
	}

	feed := make(chan []byte, 64)
	s.addFeed(userID, feed)
	defer s.removeFeed(userID, feed)
	defer func() { _ = conn.Close() }()

	s.logger.Info("stream attached for user %s", userID)

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.removeFeed(userID, feed)
				return
			}
		}
	}()

	for frame := range feed {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		s.framesPublished.Inc()
	}
}

type enqueueRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

type taskRequest struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var request enqueueRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and query are required"})
		return
	}

	taskID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[taskID] = cancel
	s.mu.Unlock()

	s.tasksEnqueued.Inc()
	s.logger.Info("enqueued task %s for user %s", taskID, request.UserID)
	go s.replay(runCtx, request.UserID, taskID, request.Query)

	c.JSON(http.StatusOK, gin.H{"task_id": taskID})
}

func (s *Server) handleCancel(c *gin.Context) {
	var request taskRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	s.mu.Lock()
	cancel, known := s.cancels[request.TaskID]
	delete(s.cancels, request.TaskID)
	s.mu.Unlock()

	if known {
		cancel()
		s.publish(request.UserID, frame(request.TaskID, "run_cancelled", nil, "", nil))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Task %s marked for cancellation", request.TaskID)})
}

func (s *Server) handleSteer(c *gin.Context) {
	var request taskRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	s.mu.Lock()
	_, running := s.cancels[request.TaskID]
	s.mu.Unlock()

	kind := "run_steering_applied"
	if !running {
		kind = "run_steering_failed"
	}
	s.publish(request.UserID, frame(request.TaskID, kind, nil, "", nil))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Steering messages sent for task %s", request.TaskID)})
}

func (s *Server) addFeed(userID string, feed chan []byte) {
	s.mu.Lock()
	s.feeds[userID] = append(s.feeds[userID], feed)
	s.mu.Unlock()
}

func (s *Server) removeFeed(userID string, feed chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feeds := s.feeds[userID]
	for i, candidate := range feeds {
		if candidate == feed {
			s.feeds[userID] = append(feeds[:i], feeds[i+1:]...)
			close(feed)
			return
		}
	}
}

func (s *Server) publish(userID string, payload []byte) {
	s.mu.Lock()
	feeds := append([]chan []byte(nil), s.feeds[userID]...)
	s.mu.Unlock()
	for _, feed := range feeds {
		select {
		case feed <- payload:
		default:
		}
	}
}
