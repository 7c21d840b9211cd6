//go:build !linux

package rpc

import (
	"errors"
	"net"
)

func peerCred(net.Conn) (PeerInfo, error) {
	return PeerInfo{}, errors.New("peer credentials are only supported on linux")
}
