package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"opclink/opc"
)

// IsConnectionError reports whether err indicates a lost or unusable
// session that warrants a reconnect.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, opc.ErrNotConnected) || errors.Is(err, io.EOF) || errors.Is(err, ErrForceReleased) {
		return true
	}
	if errors.Is(err, opc.ErrNotApplicable) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"connection timed out",
		"eof",
		"forcibly closed",
		"socket closed",
		"not connected",
		"server unavailable",
		"server is unavailable",
		"badsessionidinvalid",
		"badsessionclosed",
		"badsecurechannelclosed",
		"badconnectionclosed",
		"badservernotconnected",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// releaseWithin runs closeFn and waits at most timeout for it. On timeout
// the caller must drop its handles; closeFn keeps running in the background.
func releaseWithin(ctx context.Context, timeout time.Duration, closeFn func() error) error {
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("close panicked: %v", r)
			}
		}()
		done <- closeFn()
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("graceful close exceeded %s: %w", timeout, ErrForceReleased)
	case <-ctx.Done():
		return fmt.Errorf("graceful close interrupted: %w", ErrForceReleased)
	}
}

func notConnected(cfg opc.ServerConfig, op string) error {
	return opc.NewCommError(cfg.ID, op, 0, opc.ErrNotConnected)
}
