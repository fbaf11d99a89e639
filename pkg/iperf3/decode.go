package iperf3

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type envelope struct {
	Event *string         `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type startData struct {
	Version    string `json:"version"`
	SystemInfo string `json:"system_info"`
	Cookie     string `json:"cookie"`
	Timestamp  struct {
		Time     string `json:"time"`
		TimeSecs int64  `json:"timesecs"`
	} `json:"timestamp"`
	Connected    []Connection `json:"connected"`
	ConnectingTo Endpoint     `json:"connecting_to"`
	TestStart    TestStart    `json:"test_start"`
}

type intervalData struct {
	Sum             *rawSum `json:"sum"`
	SumBidirReverse *rawSum `json:"sum_bidir_reverse"`
}

// rawSum uses pointers so that the presence of a field can drive the
// classification.
type rawSum struct {
	Start         float64  `json:"start"`
	End           float64  `json:"end"`
	Seconds       float64  `json:"seconds"`
	Bytes         int64    `json:"bytes"`
	BitsPerSecond *float64 `json:"bits_per_second"`
	Retransmits   *int64   `json:"retransmits"`
	Packets       *int64   `json:"packets"`
	JitterMs      *float64 `json:"jitter_ms"`
	LostPackets   *int64   `json:"lost_packets"`
	LostPercent   *float64 `json:"lost_percent"`
	Omitted       bool     `json:"omitted"`
	Sender        *bool    `json:"sender"`
}

// Decode parses one output line into an Event.
//
// Errors wrap ErrMalformedLine for invalid JSON or missing required fields,
// and are *UnknownEventError (matching ErrUnknownEventKind) for event kinds
// other than start, interval, end and error.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedLine)
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedLine, err)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("%w: missing event field", ErrMalformedLine)
	}

	switch Kind(*env.Event) {
	case KindStart:
		return decodeStart(env.Data)
	case KindInterval:
		return decodeInterval(env.Data)
	case KindEnd:
		return End{}, nil
	case KindError:
		return decodeError(env.Data), nil
	default:
		return nil, &UnknownEventError{Kind: *env.Event}
	}
}

func decodeStart(data json.RawMessage) (Event, error) {
	var sd startData
	if len(data) > 0 && !isJSONNull(data) {
		if err := json.Unmarshal(data, &sd); err != nil {
			return nil, fmt.Errorf("%w: start: %w", ErrMalformedLine, err)
		}
	}
	st := Start{
		Version:     sd.Version,
		SystemInfo:  sd.SystemInfo,
		Cookie:      sd.Cookie,
		Connected:   sd.Connected,
		ConnectedTo: sd.ConnectingTo,
		Test:        sd.TestStart,
		Raw:         append(json.RawMessage(nil), data...),
	}
	if sd.Timestamp.TimeSecs > 0 {
		st.Timestamp = time.Unix(sd.Timestamp.TimeSecs, 0).UTC()
	}
	return st, nil
}

func decodeInterval(data json.RawMessage) (Event, error) {
	var id intervalData
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("%w: interval: %w", ErrMalformedLine, err)
	}
	if id.Sum == nil {
		return nil, fmt.Errorf("%w: interval without sum", ErrMalformedLine)
	}
	sum, err := id.Sum.classify()
	if err != nil {
		return nil, err
	}
	iv := Interval{Sum: sum}
	if id.SumBidirReverse != nil {
		rev, err := id.SumBidirReverse.classify()
		if err != nil {
			return nil, err
		}
		iv.SumBidirReverse = &rev
	}
	return iv, nil
}

func decodeError(data json.RawMessage) Event {
	var msg string
	if err := json.Unmarshal(data, &msg); err != nil {
		// Not a JSON string; keep the raw payload so nothing is lost.
		msg = string(bytes.TrimSpace(data))
	}
	return Error{Message: msg}
}

// classify maps a raw sum to one of the four kinds.
//
// UDP sums carry packet counters (and, on the receiving side, jitter and
// loss). The direction comes from "sender"; older iperf3 builds omit it,
// in which case receiver-only fields decide.
func (r *rawSum) classify() (Sum, error) {
	if r.BitsPerSecond == nil {
		return Sum{}, fmt.Errorf("%w: sum without bits_per_second", ErrMalformedLine)
	}
	udp := r.Packets != nil || r.JitterMs != nil || r.LostPercent != nil

	var downlink bool
	switch {
	case r.Sender != nil:
		downlink = !*r.Sender
	case udp:
		downlink = r.JitterMs != nil
	default:
		downlink = r.Retransmits == nil
	}

	s := Sum{
		Start:         r.Start,
		End:           r.End,
		Seconds:       r.Seconds,
		Bytes:         r.Bytes,
		BitsPerSecond: *r.BitsPerSecond,
		Omitted:       r.Omitted,
	}
	switch {
	case udp && downlink:
		s.Kind = UDPDownlink
		s.JitterMs = deref(r.JitterMs)
		s.LostPercent = deref(r.LostPercent)
		s.LostPackets = deref(r.LostPackets)
	case udp:
		s.Kind = UDPUplink
	case downlink:
		s.Kind = TCPDownlink
	default:
		s.Kind = TCPUplink
		s.Retransmits = deref(r.Retransmits)
	}
	if udp {
		s.Packets = deref(r.Packets)
	}
	return s, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func isJSONNull(b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
