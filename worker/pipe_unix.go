//go:build !windows

package worker

import (
	"context"
	"fmt"
	"net"
)

func listenPipe(addr string) (net.Listener, error) {
	return nil, fmt.Errorf("named pipes are supported only on Windows (requested %s)", addr)
}

func dialPipe(ctx context.Context, addr string) (net.Conn, error) {
	return nil, fmt.Errorf("named pipes are supported only on Windows (requested %s)", addr)
}
