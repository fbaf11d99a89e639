// Package speedtest runs a speedtest.net baseline next to the iPerf3
// measurements, so throughput drops can be told apart from the test server.
package speedtest

import "time"

// Result is a single baseline measurement.
//
// JSON tags are persisted by the measurement store; keep them stable.
type Result struct {
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	PacketLoss    float64   `json:"packet_loss"`
	ISP           string    `json:"isp"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`
	// Speed is the vehicle speed when the probe started.
	Speed float64 `json:"speed,omitempty"`

	Duration      time.Duration `json:"-"`
	FullTestCount int           `json:"-"`
}
