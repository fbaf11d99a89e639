package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Monitor   MonitorConfig   `json:"monitor"`
	GPS       GPSConfig       `json:"gps"`
	Iperf3    Iperf3Config    `json:"iperf3"`
	Trigger   TriggerConfig   `json:"trigger"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Speedtest SpeedtestConfig `json:"speedtest"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig enables the send-only bot used for measurement summaries
// and the optional log sink. An empty token disables it.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// ThreadID targets a forum topic; 0 posts to the main chat.
	ThreadID int `json:"thread_id,omitempty"`
	// NotifyMeasurements posts a summary after every run.
	NotifyMeasurements bool `json:"notify_measurements"`
	// RatePerMinute caps outgoing messages (0 = 20/min).
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

// MonitorConfig controls the speed threshold monitor.
type MonitorConfig struct {
	// Threshold in the units configured under gps.units.
	Threshold         float64 `json:"threshold"`
	ThresholdDuration string  `json:"threshold_duration"`
	PollInterval      string  `json:"poll_interval"`
}

// GPSConfig selects the gpsd input. Path (a recorded watch stream or FIFO)
// wins over Addr (a live gpsd socket).
type GPSConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
	// Units is "mps" (gpsd native) or "kmh".
	Units string `json:"units,omitempty"`
}

type Iperf3Config struct {
	Binary   string `json:"binary,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Duration string `json:"duration,omitempty"`
	UDP      bool   `json:"udp,omitempty"`
	// Direction is "downlink" (-R), "uplink" or "bidir".
	Direction     string   `json:"direction,omitempty"`
	Bitrate       string   `json:"bitrate,omitempty"`
	Parallel      int      `json:"parallel,omitempty"`
	LogDir        string   `json:"log_dir,omitempty"`
	KeepLogs      bool     `json:"keep_logs,omitempty"`
	ParseInterval string   `json:"parse_interval,omitempty"`
	Grace         string   `json:"grace,omitempty"`
	ExtraArgs     []string `json:"extra_args,omitempty"`
}

// TriggerConfig gates how often runs may start.
type TriggerConfig struct {
	// OnSpeed starts a run when the monitor fires. Pointer so an omitted
	// key keeps the default (true).
	OnSpeed *bool `json:"on_speed,omitempty"`
	// MinGap is the minimum spacing between run starts.
	MinGap string `json:"min_gap,omitempty"`
	// Burst allows this many back-to-back runs before MinGap applies.
	Burst int `json:"burst,omitempty"`
}

// ScheduleConfig adds time-based runs. Each entry is a cron expression
// ("*/15 * * * *", "@hourly"), or an interval as a Go duration ("30m") or
// "HH:MM" ("01:30" = every 90 minutes). Empty disables the entry.
type ScheduleConfig struct {
	Enabled   bool   `json:"enabled"`
	Iperf3    string `json:"iperf3,omitempty"`
	Speedtest string `json:"speedtest,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

type SpeedtestConfig struct {
	ServerCount     int    `json:"server_count,omitempty"`
	FullTestServers int    `json:"full_test_servers,omitempty"`
	MaxConnections  int    `json:"max_connections,omitempty"`
	SavingMode      bool   `json:"saving_mode,omitempty"`
	PacketLoss      bool   `json:"packet_loss,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
}

// StorageConfig controls persistence. Nil or driver "none" disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./driveperf.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxAge      string `json:"max_age,omitempty"`
	MaxRecords  int    `json:"max_records,omitempty"`
}

// MetricsConfig controls the Prometheus exporter.
//
// Prefer binding to localhost; pprof exposes heap contents.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9310"
	Pprof   bool   `json:"pprof,omitempty"`
}

// Default returns the configuration used for omitted keys.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Monitor: MonitorConfig{
			Threshold:         5,
			ThresholdDuration: "5s",
			PollInterval:      "500ms",
		},
		GPS: GPSConfig{Addr: "localhost:2947", Units: "mps"},
		Iperf3: Iperf3Config{
			Binary:        "iperf3",
			Port:          5201,
			Duration:      "10s",
			Direction:     "downlink",
			ParseInterval: "1s",
		},
		Trigger: TriggerConfig{MinGap: "1m", Burst: 1},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9310"},
	}
}

// TriggerOnSpeed reports whether monitor fires start runs.
func (c *Config) TriggerOnSpeed() bool {
	return c.Trigger.OnSpeed == nil || *c.Trigger.OnSpeed
}
