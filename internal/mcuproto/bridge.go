package mcuproto

import (
	"context"
	"fmt"
	"io"
	"net"
)

// DialTCPBridge builds an Opener for the "RPC bridge" alternative transport
// spec.md §2 allows alongside a direct serial line — useful when the MCU
// sits behind a network-attached adapter rather than a local tty/COM port.
func DialTCPBridge(addr string) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("mcuproto: dialing bridge %s: %w", addr, err)
		}
		return conn, nil
	}
}
