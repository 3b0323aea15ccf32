package packetizer

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/arzzra/voice_gateway/pkg/bitstream"
	"github.com/arzzra/voice_gateway/pkg/dave"
	"github.com/arzzra/voice_gateway/pkg/media"
)

// Типы NAL unit и пакетов RFC 6184
const (
	h264NalTypeSPS = 7
	h264TypeStapA  = 24
	h264TypeFuA    = 28

	h264FuStart = 0x80
	h264FuEnd   = 0x40
)

// h264Packetizer упаковывает Annex-B H.264 кадры согласно RFC 6184.
// Мелкие NAL unit'ы агрегируются в STAP-A, крупные фрагментируются
// в FU-A. SPS перед отправкой проходит перезапись VUI параметров.
type h264Packetizer struct {
	trackState
}

func (p *h264Packetizer) Packetize(au *media.AccessUnit) ([]*rtp.Packet, error) {
	if au == nil || len(au.Data) == 0 {
		return nil, nil
	}

	data := au.Data
	if p.enc != nil {
		encrypted, err := p.enc.Encrypt(dave.MediaTypeVideo, dave.CodecH264, data)
		if err != nil {
			return nil, fmt.Errorf("packetizer: шифрование h264 кадра: %w", err)
		}
		data = encrypted
	}

	nals := splitAnnexB(data)
	if len(nals) == 0 {
		return nil, nil
	}

	var packets []*rtp.Packet
	var pending [][]byte
	pendingSize := 1 // байт заголовка STAP-A

	flush := func(lastOfUnit bool) {
		if len(pending) == 0 {
			return
		}
		if len(pending) == 1 {
			// Одиночный NAL отправляется без агрегации
			packets = append(packets, p.nextPacket(pending[0], lastOfUnit))
		} else {
			packets = append(packets, p.nextPacket(buildStapA(pending), lastOfUnit))
		}
		pending = nil
		pendingSize = 1
	}

	for i, nal := range nals {
		// Перезапись SPS; при ошибке исходный NAL уходит без изменений
		if nal[0]&0x1F == h264NalTypeSPS {
			rewritten, err := bitstream.RewriteSPS(nal)
			if err != nil {
				p.log.Warn("перезапись SPS не удалась, NAL отправлен как есть",
					"ssrc", p.ssrc, "error", err)
			} else {
				nal = rewritten
			}
		}

		last := i == len(nals)-1
		if len(nal) <= p.mtu {
			if pendingSize+2+len(nal) > p.mtu {
				flush(false)
			}
			pending = append(pending, nal)
			pendingSize += 2 + len(nal)
			if last {
				flush(true)
			}
			continue
		}

		// Крупный NAL: сначала сброс накопленной агрегации, затем FU-A
		flush(false)
		packets = append(packets, p.fragment(nal, last)...)
	}

	p.advanceClock(au.Duration)
	return packets, nil
}

// buildStapA собирает STAP-A payload: заголовок с максимальным NRI среди
// членов, затем каждый NAL с 16-битным префиксом длины
func buildStapA(nals [][]byte) []byte {
	size := 1
	var maxNRI byte
	for _, nal := range nals {
		size += 2 + len(nal)
		if nri := nal[0] & 0x60; nri > maxNRI {
			maxNRI = nri
		}
	}
	payload := make([]byte, 1, size)
	payload[0] = maxNRI | h264TypeStapA
	for _, nal := range nals {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(nal)))
		payload = append(payload, length[:]...)
		payload = append(payload, nal...)
	}
	return payload
}

// fragment нарезает NAL больше MTU на FU-A пакеты. Маркер RTP ставится
// на последнем фрагменте только если NAL завершает access unit.
func (p *h264Packetizer) fragment(nal []byte, lastOfUnit bool) []*rtp.Packet {
	indicator := nal[0]&0x60 | h264TypeFuA
	nalType := nal[0] & 0x1F

	chunks := chunkPayload(nal[1:], p.mtu)
	packets := make([]*rtp.Packet, 0, len(chunks))
	for i, chunk := range chunks {
		fuHeader := nalType
		if i == 0 {
			fuHeader |= h264FuStart
		}
		last := i == len(chunks)-1
		if last {
			fuHeader |= h264FuEnd
		}
		payload := make([]byte, 2, 2+len(chunk))
		payload[0] = indicator
		payload[1] = fuHeader
		payload = append(payload, chunk...)
		packets = append(packets, p.nextPacket(payload, last && lastOfUnit))
	}
	return packets
}
