package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// PushEvent holds the fields of a push notification worth logging.
// GitHub push payloads match it.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

func (s *Server) handlePush(c echo.Context) error {
	r := c.Request()
	if ct := r.Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		s.logger.Warn("rejecting push with invalid content type", "content_type", ct)
		return c.JSON(http.StatusBadRequest, errorBody("invalid content type"))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.logger.Error("failed to read push body", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to read body"))
	}

	if !verifySignature(s.deps.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting push with invalid signature", "remote", c.RealIP())
		return c.JSON(http.StatusForbidden, errorBody("invalid signature"))
	}

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		return c.JSON(http.StatusOK, map[string]string{"status": "pong"})
	case "", "push":
	default:
		s.logger.Info("ignoring push notification", "event", event)
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	var event PushEvent
	if len(body) > 0 {
		if err := json.Unmarshal(body, &event); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid payload"))
		}
	}
	s.logger.Info("push accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

// verifySignature checks a "sha256=<hex>" HMAC of body in constant time.
func verifySignature(secret, body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// performSync checks the remote and, with auto pull, merges its changes.
// At most one run is active; requests arriving meanwhile collapse into a
// single re-run.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.syncOnce(ctx)

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			return
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

func (s *Server) syncOnce(ctx context.Context) {
	blogURL := s.cfg.Blog.URL
	res, err := s.deps.Syncer.Check(ctx, blogURL)
	if err != nil {
		s.logger.Error("sync check failed", "blog", blogURL, "error", err)
		return
	}
	if !res.HasChanges {
		s.logger.Info("blog is up to date", "blog", blogURL, "version", res.RemoteVersion)
		return
	}
	if !s.cfg.Serve.AutoPull {
		s.logger.Info("remote changes available",
			"blog", blogURL,
			"remote_version", res.RemoteVersion,
			"new", res.Summary.New,
			"modified", res.Summary.Modified,
			"deleted", res.Summary.Deleted)
		return
	}
	if _, err := s.deps.Syncer.Pull(ctx, blogURL, s.deps.PullPassword); err != nil {
		s.logger.Error("sync pull failed", "blog", blogURL, "error", err)
	}
}

// trigger schedules callback after the delay, replacing any pending one.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}
