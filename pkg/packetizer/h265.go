package packetizer

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/arzzra/voice_gateway/pkg/dave"
	"github.com/arzzra/voice_gateway/pkg/media"
)

// Типы пакетов RFC 7798. Заголовок NAL H.265 двухбайтовый:
// forbidden(1) type(6) layerId(6) tid(3)
const (
	h265TypeAP = 48
	h265TypeFU = 49

	h265FuStart = 0x80
	h265FuEnd   = 0x40
)

// h265Packetizer упаковывает Annex-B H.265 кадры согласно RFC 7798:
// агрегация мелких NAL unit'ов в AP, фрагментация крупных в FU
type h265Packetizer struct {
	trackState
}

func (p *h265Packetizer) Packetize(au *media.AccessUnit) ([]*rtp.Packet, error) {
	if au == nil || len(au.Data) == 0 {
		return nil, nil
	}

	data := au.Data
	if p.enc != nil {
		encrypted, err := p.enc.Encrypt(dave.MediaTypeVideo, dave.CodecH265, data)
		if err != nil {
			return nil, fmt.Errorf("packetizer: шифрование h265 кадра: %w", err)
		}
		data = encrypted
	}

	nals := splitAnnexB(data)
	var packets []*rtp.Packet
	var pending [][]byte
	pendingSize := 2 // двухбайтовый PayloadHdr AP пакета

	flush := func(lastOfUnit bool) {
		if len(pending) == 0 {
			return
		}
		if len(pending) == 1 {
			packets = append(packets, p.nextPacket(pending[0], lastOfUnit))
		} else {
			packets = append(packets, p.nextPacket(buildAP(pending), lastOfUnit))
		}
		pending = nil
		pendingSize = 2
	}

	for i, nal := range nals {
		if len(nal) < 2 {
			continue
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

		flush(false)
		packets = append(packets, p.fragment(nal, last)...)
	}

	p.advanceClock(au.Duration)
	return packets, nil
}

// buildAP собирает Aggregation Packet: PayloadHdr с типом 48 и
// максимальными layer id / temporal id среди членов, затем каждый NAL
// с 16-битным префиксом длины
func buildAP(nals [][]byte) []byte {
	size := 2
	var maxLayerID, maxTID byte
	for _, nal := range nals {
		size += 2 + len(nal)
		layerID := (nal[0]&0x01)<<5 | nal[1]>>3
		tid := nal[1] & 0x07
		if layerID > maxLayerID {
			maxLayerID = layerID
		}
		if tid > maxTID {
			maxTID = tid
		}
	}
	payload := make([]byte, 2, size)
	payload[0] = h265TypeAP<<1 | maxLayerID>>5
	payload[1] = maxLayerID<<3 | maxTID
	for _, nal := range nals {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(nal)))
		payload = append(payload, length[:]...)
		payload = append(payload, nal...)
	}
	return payload
}

// fragment нарезает NAL больше MTU на FU пакеты: PayloadHdr с типом 49
// (layer id и tid исходного NAL), FU header c битами S/E и типом NAL
func (p *h265Packetizer) fragment(nal []byte, lastOfUnit bool) []*rtp.Packet {
	nalType := nal[0] >> 1 & 0x3F
	hdr0 := nal[0]&0x81 | h265TypeFU<<1
	hdr1 := nal[1]

	chunks := chunkPayload(nal[2:], p.mtu)
	packets := make([]*rtp.Packet, 0, len(chunks))
	for i, chunk := range chunks {
		fuHeader := nalType
		if i == 0 {
			fuHeader |= h265FuStart
		}
		last := i == len(chunks)-1
		if last {
			fuHeader |= h265FuEnd
		}
		payload := make([]byte, 3, 3+len(chunk))
		payload[0] = hdr0
		payload[1] = hdr1
		payload[2] = fuHeader
		payload = append(payload, chunk...)
		packets = append(packets, p.nextPacket(payload, last && lastOfUnit))
	}
	return packets
}
