//go:build darwin

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptForVoice применяет macOS настройки сокета для голосового
// трафика: DSCP маркировку и класс трафика
func setSockOptForVoice(conn *net.UDPConn, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rawConn.Control(func(fd uintptr) {
		sock := int(fd)

		if dscp > 0 {
			tos := dscp << 2
			_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		}

		// SO_NET_SERVICE_TYPE: NET_SERVICE_TYPE_VO - голосовой класс
		_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_NET_SERVICE_TYPE, unix.NET_SERVICE_TYPE_VO)
	})
}
