package packetizer

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/arzzra/voice_gateway/pkg/media"
)

// opusPacketizer: один Opus фрейм - ровно один RTP пакет, payload
// передается без изменений (после опционального шифрования)
type opusPacketizer struct {
	trackState
}

func (p *opusPacketizer) Packetize(au *media.AccessUnit) ([]*rtp.Packet, error) {
	if au == nil || len(au.Data) == 0 {
		return nil, nil
	}

	payload := au.Data
	if p.enc != nil {
		encrypted, err := p.enc.EncryptOpus(payload)
		if err != nil {
			return nil, fmt.Errorf("packetizer: шифрование opus фрейма: %w", err)
		}
		payload = encrypted
	}

	pkt := p.nextPacket(payload, true)
	p.advanceClock(au.Duration)
	return []*rtp.Packet{pkt}, nil
}
