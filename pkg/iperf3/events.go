package iperf3

import (
	"encoding/json"
	"time"
)

// Kind is the value of the "event" field.
type Kind string

const (
	// KindAny subscribes to every event kind.
	KindAny      Kind = ""
	KindStart    Kind = "start"
	KindInterval Kind = "interval"
	KindEnd      Kind = "end"
	KindError    Kind = "error"
)

// Event is one decoded output line: Start, Interval, End or Error.
type Event interface {
	Kind() Kind
}

// Start echoes the test setup iperf3 reports before the first interval.
type Start struct {
	Version    string
	SystemInfo string
	Cookie     string
	// Timestamp is taken from timestamp.timesecs (UTC).
	Timestamp   time.Time
	Connected   []Connection
	ConnectedTo Endpoint
	Test        TestStart

	// Raw keeps the unmodified data object for consumers that need fields
	// not modelled here.
	Raw json.RawMessage
}

func (Start) Kind() Kind { return KindStart }

// Connection is one entry of start.connected.
type Connection struct {
	Socket     int    `json:"socket"`
	LocalHost  string `json:"local_host"`
	LocalPort  int    `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
}

type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TestStart is start.test_start.
type TestStart struct {
	Protocol      string `json:"protocol"`
	NumStreams    int    `json:"num_streams"`
	BlockSize     int    `json:"blksize"`
	Omit          int    `json:"omit"`
	Duration      int    `json:"duration"`
	Bytes         int64  `json:"bytes"`
	Blocks        int64  `json:"blocks"`
	Reverse       int    `json:"reverse"`
	Bidir         int    `json:"bidir"`
	TOS           int    `json:"tos"`
	TargetBitrate int64  `json:"target_bitrate"`
}

// Interval is one periodic sample. SumBidirReverse is nil unless the test
// runs with --bidir.
type Interval struct {
	Sum             Sum
	SumBidirReverse *Sum
}

func (Interval) Kind() Kind { return KindInterval }

// Sums returns the forward sum followed by the reverse sum when present.
func (iv Interval) Sums() []Sum {
	if iv.SumBidirReverse == nil {
		return []Sum{iv.Sum}
	}
	return []Sum{iv.Sum, *iv.SumBidirReverse}
}

// End marks the end of the test. It carries no payload.
type End struct{}

func (End) Kind() Kind { return KindEnd }

// Error is an iperf3 error report.
type Error struct {
	Message string
}

func (Error) Kind() Kind { return KindError }

// SumKind classifies a sum by transport and direction as seen by the
// client running iperf3.
type SumKind int

const (
	TCPUplink SumKind = iota
	TCPDownlink
	UDPUplink
	UDPDownlink
)

func (k SumKind) String() string {
	switch k {
	case TCPUplink:
		return "TCP_UL"
	case TCPDownlink:
		return "TCP_DL"
	case UDPUplink:
		return "UDP_UL"
	case UDPDownlink:
		return "UDP_DL"
	default:
		return "unknown"
	}
}

// UDP reports whether the sum belongs to a UDP test.
func (k SumKind) UDP() bool { return k == UDPUplink || k == UDPDownlink }

// Downlink reports whether the client was the receiving side.
func (k SumKind) Downlink() bool { return k == TCPDownlink || k == UDPDownlink }

// Sum is one directional measurement inside an interval.
//
// JitterMs, LostPackets and LostPercent are only meaningful for
// UDPDownlink; Retransmits only for TCPUplink.
type Sum struct {
	Kind          SumKind
	Start         float64
	End           float64
	Seconds       float64
	Bytes         int64
	BitsPerSecond float64
	Retransmits   int64
	Packets       int64
	JitterMs      float64
	LostPackets   int64
	LostPercent   float64
	Omitted       bool
}
