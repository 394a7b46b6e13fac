//go:build darwin

package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials reads LOCAL_PEERCRED from a Unix socket connection.
// Xucred carries no PID, so PID is always 0.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	var creds *PeerCredentials
	err := withSocketFD(conn, func(fd int) error {
		x, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			return err
		}
		creds = &PeerCredentials{UID: int(x.Uid)}
		if x.Ngroups > 0 {
			creds.GID = int(x.Groups[0])
		}
		return nil
	})
	return creds, err
}
