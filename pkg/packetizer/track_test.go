package packetizer

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_gateway/pkg/media"
)

// fakeTransport собирает отправленные кадры в память
type fakeTransport struct {
	ready   bool
	frames  [][]byte
	sendErr error
}

func (f *fakeTransport) SendRawFrame(frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) IsReady() bool { return f.ready }
func (f *fakeTransport) Close() error  { return nil }

func newTestTrack(t *testing.T, tr *fakeTransport, reporter *SenderReporter) *Track {
	t.Helper()
	p := newTestPacketizer(t, media.CodecOpus, 0)
	track, err := NewTrack(TrackConfig{
		Packetizer: p,
		Transport:  tr,
		Reporter:   reporter,
	})
	require.NoError(t, err)
	return track
}

func TestTrackSendsPackets(t *testing.T) {
	tr := &fakeTransport{ready: true}
	track := newTestTrack(t, tr, nil)

	err := track.SendAccessUnit(&media.AccessUnit{
		Data:     []byte{0x01, 0x02, 0x03},
		Duration: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, tr.frames, 1)
	assert.Equal(t, uint64(1), track.State().PacketsSent)
}

func TestTrackNoopWhenTransportNotReady(t *testing.T) {
	tr := &fakeTransport{ready: false}
	track := newTestTrack(t, tr, nil)

	err := track.SendAccessUnit(&media.AccessUnit{
		Data:     []byte{0x01},
		Duration: 20 * time.Millisecond,
	})
	require.NoError(t, err, "Sending before the transport is ready is a silent no-op")
	assert.Empty(t, tr.frames)
	assert.Equal(t, uint64(0), track.State().PacketsSent,
		"Counters must not advance when nothing was sent")
}

func TestTrackSendFailure(t *testing.T) {
	tr := &fakeTransport{ready: true, sendErr: errors.New("socket closed")}
	track := newTestTrack(t, tr, nil)

	err := track.SendAccessUnit(&media.AccessUnit{
		Data:     []byte{0x01},
		Duration: 20 * time.Millisecond,
	})
	assert.Error(t, err)
}

func TestSenderReportCadence(t *testing.T) {
	var reports [][]byte
	reporter, err := NewSenderReporter(SenderReporterConfig{
		SSRC:     0x11223344,
		Interval: time.Second,
		Send: func(raw []byte) error {
			reports = append(reports, raw)
			return nil
		},
	})
	require.NoError(t, err)

	// 20 мс фреймы: границы секунд медиа часов на кадрах 50, 100, ...
	for i := 0; i < 50; i++ {
		mediaTime := time.Duration(i) * 20 * time.Millisecond
		reporter.OnPacket(uint32(i*960), 160, mediaTime)
	}
	require.Empty(t, reports, "No report before the media clock crosses the first boundary")

	for i := 50; i < 150; i++ {
		mediaTime := time.Duration(i) * 20 * time.Millisecond
		reporter.OnPacket(uint32(i*960), 160, mediaTime)
	}
	require.Len(t, reports, 2, "One report per media-clock second after the first")

	var sr rtcp.SenderReport
	require.NoError(t, sr.Unmarshal(reports[1]))
	assert.Equal(t, uint32(0x11223344), sr.SSRC)
	assert.Equal(t, uint32(101), sr.PacketCount, "Counters include the packet crossing the boundary")
	assert.Equal(t, uint32(101*160), sr.OctetCount)
	assert.Equal(t, uint32(100*960), sr.RTPTime)
	assert.NotZero(t, sr.NTPTime)
}

func TestSenderReportEncrypted(t *testing.T) {
	enc := &fakeEncryptor{}
	var reports [][]byte
	reporter, err := NewSenderReporter(SenderReporterConfig{
		SSRC:      7,
		Interval:  time.Second,
		Encryptor: enc,
		Send: func(raw []byte) error {
			reports = append(reports, raw)
			return nil
		},
	})
	require.NoError(t, err)

	reporter.OnPacket(960, 160, time.Second)
	require.Len(t, reports, 1)
	assert.Equal(t, byte(0xEE), reports[0][0], "Report must pass through the encryptor")
	assert.Equal(t, 1, enc.videoCalls)
}

func TestTrackFeedsReporter(t *testing.T) {
	var reports [][]byte
	reporter, err := NewSenderReporter(SenderReporterConfig{
		SSRC:     0x11223344,
		Interval: time.Second,
		Send: func(raw []byte) error {
			reports = append(reports, raw)
			return nil
		},
	})
	require.NoError(t, err)

	tr := &fakeTransport{ready: true}
	track := newTestTrack(t, tr, reporter)

	require.NoError(t, track.SendAccessUnit(&media.AccessUnit{
		Data:     []byte{0x01},
		PTS:      0,
		Duration: 20 * time.Millisecond,
	}))
	assert.Empty(t, reports, "Media clock has not crossed a report boundary yet")

	require.NoError(t, track.SendAccessUnit(&media.AccessUnit{
		Data:     []byte{0x02},
		PTS:      time.Second,
		Duration: 20 * time.Millisecond,
	}))
	require.Len(t, reports, 1)
}
