//go:build !linux

package transport

import (
	"errors"
	"net"
)

func peerCredentials(*net.UnixConn) (Credentials, error) {
	return Credentials{}, errors.ErrUnsupported
}
