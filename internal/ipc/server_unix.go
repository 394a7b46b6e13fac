package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrNoPeerCredentials is returned where the platform cannot identify the
// peer of a Unix socket.
var ErrNoPeerCredentials = errors.New("ipc: peer credentials unavailable")

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// String formats the credentials for logs and the audit trail.
func (c *PeerCredentials) String() string {
	if c == nil {
		return "unknown"
	}
	return fmt.Sprintf("pid=%d uid=%d gid=%d", c.PID, c.UID, c.GID)
}

// withSocketFD runs fn against the descriptor behind a Unix connection.
func withSocketFD(conn net.Conn, fn func(fd int) error) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("peer credentials: %T is not a unix connection", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("peer credentials: %w", err)
	}
	var fnErr error
	if err := raw.Control(func(fd uintptr) { fnErr = fn(int(fd)) }); err != nil {
		return fmt.Errorf("peer credentials: %w", err)
	}
	if fnErr != nil {
		return fmt.Errorf("peer credentials: getsockopt: %w", fnErr)
	}
	return nil
}

// CleanupSocket removes a stale socket file left by a previous daemon.
// Anything other than a socket at path is left alone.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSocket == 0:
		return fmt.Errorf("refusing to remove %s: not a socket", path)
	}
	return os.Remove(path)
}

// IsSocketListening reports whether a daemon accepts connections on path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
