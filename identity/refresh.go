package identity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
)

// scheduleLocked arms the auto-refresh timer for s.
func (c *Client) scheduleLocked(s *authsession.Session) {
	if !c.cfg.AutoRefresh || c.closed || s == nil || s.ExpiresAt.IsZero() {
		return
	}
	d := s.ExpiresAt.Sub(c.now()) - c.cfg.RefreshMargin
	if d < 0 {
		d = 0
	}
	c.armLocked(d, s.RefreshToken)
}

func (c *Client) armLocked(d time.Duration, refreshToken string) {
	c.stopTimerLocked()
	c.bg.Add(1)
	c.timer = time.AfterFunc(d, func() {
		defer c.bg.Done()
		c.autoRefresh(refreshToken)
	})
}

func (c *Client) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	if c.timer.Stop() {
		// The callback will never run.
		c.bg.Done()
	}
	c.timer = nil
}

func (c *Client) autoRefresh(refreshToken string) {
	ctx, cancel := context.WithTimeout(c.bgCtx, c.cfg.HTTPTimeout)
	defer cancel()

	_, err := c.refreshSession(ctx, refreshToken)
	if err == nil || errors.Is(err, ErrNoSession) || IsAuthRejection(err) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session == nil || c.session.RefreshToken != refreshToken {
		return
	}
	c.logger.Warn("automatic token refresh failed, retrying",
		zap.Error(err),
		zap.Duration("retry_in", c.cfg.RetryInterval))
	c.armLocked(c.cfg.RetryInterval, refreshToken)
}
