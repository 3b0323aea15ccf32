//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptForVoice применяет Linux-специфичные настройки сокета для
// голосового трафика: приоритет, DSCP маркировку и busy polling
func setSockOptForVoice(conn *net.UDPConn, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rawConn.Control(func(fd uintptr) {
		sock := int(fd)

		// Приоритет 6 - интерактивное аудио; ошибки игнорируем
		// (контейнеры могут запрещать SO_PRIORITY)
		_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

		if dscp > 0 {
			// DSCP занимает старшие 6 бит TOS поля
			tos := dscp << 2
			_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
			_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}

		// Активное ожидание снижает латентность чтения (ядро 3.11+)
		_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)
	})
}
