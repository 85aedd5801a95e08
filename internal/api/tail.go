package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/buildos/buildos/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval    = 15 * time.Second
	defaultTailPoll = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tail follows the log of a job from afterID. Every poll calls emit with the
// new entries, in id order, and ends once the log is sealed and drained.
// It returns the terminal status of the job.
func (s *Server) tail(ctx context.Context, jobID string, afterID int64, emit func([]models.LogEntry) error, ping func() error) (models.JobStatus, error) {
	logs := s.registry.Logs()
	interval := s.config.TailPoll()
	if interval <= 0 {
		interval = defaultTailPoll
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()
	keepalive := time.NewTicker(pingInterval)
	defer keepalive.Stop()

	for {
		// Checked before reading: a sealed log has no entries after this read.
		sealed, err := logs.Sealed(jobID)
		if err != nil {
			return "", err
		}
		entries, err := logs.ReadAfter(jobID, afterID)
		if err != nil {
			return "", err
		}
		if len(entries) > 0 {
			if err := emit(entries); err != nil {
				return "", err
			}
			afterID = entries[len(entries)-1].ID
		}
		if sealed {
			job, err := s.registry.Get(jobID)
			if err != nil {
				return "", err
			}
			return job.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-keepalive.C:
			if err := ping(); err != nil {
				return "", err
			}
		case <-poll.C:
		}
	}
}

// handleStreamLogs handles GET /pipeline/stream_logs/:job_id as a server-sent
// event stream: "log" events carry one entry each, "ping" keeps idle
// connections open and "end" carries the terminal status.
func (s *Server) handleStreamLogs(c *gin.Context) {
	jobID := c.Param("job_id")
	afterID, ok := parseAfterID(c)
	if !ok {
		return
	}
	// Unknown jobs get a plain 404 before the stream starts.
	if _, err := s.registry.Logs().ReadAfter(jobID, afterID); err != nil {
		s.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	emit := func(entries []models.LogEntry) error {
		for _, entry := range entries {
			c.SSEvent("log", entry)
		}
		c.Writer.Flush()
		return nil
	}
	ping := func() error {
		c.SSEvent("ping", gin.H{"time": time.Now().Unix()})
		c.Writer.Flush()
		return nil
	}

	status, err := s.tail(c.Request.Context(), jobID, afterID, emit, ping)
	if err != nil {
		s.logTailEnd(jobID, "sse", err)
		if !errors.Is(err, context.Canceled) {
			c.SSEvent("error", gin.H{"error": err.Error()})
			c.Writer.Flush()
		}
		return
	}
	c.SSEvent("end", gin.H{"status": status})
	c.Writer.Flush()
}

// handleWebsocketLogs handles GET /pipeline/ws_logs/:job_id. Each message is
// one JSON entry; the connection is closed normally with the terminal status
// as reason once the log is complete.
func (s *Server) handleWebsocketLogs(c *gin.Context) {
	jobID := c.Param("job_id")
	afterID, ok := parseAfterID(c)
	if !ok {
		return
	}
	if _, err := s.registry.Logs().ReadAfter(jobID, afterID); err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		apiLogger.WithError(err).WithField("job_id", jobID).Warn("Failed to upgrade websocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client sends nothing; reading only notices when it goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	emit := func(entries []models.LogEntry) error {
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return err
			}
		}
		return nil
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}

	status, err := s.tail(ctx, jobID, afterID, emit, ping)
	if err != nil {
		s.logTailEnd(jobID, "websocket", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

func (s *Server) logTailEnd(jobID, transport string, err error) {
	entry := apiLogger.WithFields(logrus.Fields{"job_id": jobID, "transport": transport})
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		entry.Debug("Log tail closed by client")
		return
	}
	entry.WithError(err).Info("Log tail ended")
}
