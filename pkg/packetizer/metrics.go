package packetizer

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackCollector зеркалирует счетчики треков в Prometheus.
// Счетчики читаются снимком State() в момент сбора, горячий путь
// отправки не трогает prometheus.
type TrackCollector struct {
	mu     sync.RWMutex
	tracks map[string]Packetizer

	packetsDesc *prometheus.Desc
	octetsDesc  *prometheus.Desc
}

// NewTrackCollector создает коллектор счетчиков треков
func NewTrackCollector(namespace, subsystem string) *TrackCollector {
	labels := []string{"track", "ssrc"}
	return &TrackCollector{
		tracks: make(map[string]Packetizer),
		packetsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_sent_total"),
			"Total number of RTP packets sent on the track",
			labels, nil,
		),
		octetsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "octets_sent_total"),
			"Total number of RTP payload octets sent on the track (mod 2^32)",
			labels, nil,
		),
	}
}

// Register добавляет трек под именем (обычно "audio"/"video")
func (c *TrackCollector) Register(name string, p Packetizer) {
	c.mu.Lock()
	c.tracks[name] = p
	c.mu.Unlock()
}

// Unregister убирает трек из сбора
func (c *TrackCollector) Unregister(name string) {
	c.mu.Lock()
	delete(c.tracks, name)
	c.mu.Unlock()
}

// Describe реализует prometheus.Collector
func (c *TrackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsDesc
	ch <- c.octetsDesc
}

// Collect реализует prometheus.Collector
func (c *TrackCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, p := range c.tracks {
		state := p.State()
		ssrc := fmt.Sprintf("%d", p.SSRC())
		ch <- prometheus.MustNewConstMetric(c.packetsDesc,
			prometheus.CounterValue, float64(state.PacketsSent), name, ssrc)
		ch <- prometheus.MustNewConstMetric(c.octetsDesc,
			prometheus.CounterValue, float64(state.OctetsSent), name, ssrc)
	}
}
