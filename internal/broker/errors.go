package broker

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrDisconnected is returned by operations attempted while the connection
	// is not Connected, or that failed because the transport dropped.
	ErrDisconnected = errors.New("broker disconnected")

	// ErrDisposed is returned by operations on a disposed connection.
	ErrDisposed = errors.New("broker connection disposed")
)

// IsTransportError reports whether err means the connection to the broker is
// unusable. Server replies such as WRONGTYPE are not transport errors.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, ErrDisconnected) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// A server still loading its dataset after a restart is not usable yet.
		return strings.HasPrefix(redisErr.Error(), "LOADING")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "use of closed network connection", "client is closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
