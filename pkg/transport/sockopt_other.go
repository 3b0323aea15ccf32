//go:build !linux && !darwin

package transport

import "net"

// setSockOptForVoice: на остальных платформах специальные настройки
// сокета не применяются
func setSockOptForVoice(conn *net.UDPConn, dscp int) error {
	return nil
}
