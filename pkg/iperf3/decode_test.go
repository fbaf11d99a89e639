package iperf3

import (
	"errors"
	"testing"
)

func TestDecodeStart(t *testing.T) {
	line := `{"event":"start","data":{"version":"iperf 3.16","connected":[{"socket":5,"local_host":"10.0.0.2","local_port":40000,"remote_host":"10.0.0.1","remote_port":5201}],"timestamp":{"time":"Tue, 14 Oct 2025 10:00:00 GMT","timesecs":1760436000},"connecting_to":{"host":"iperf.example.net","port":5201},"test_start":{"protocol":"UDP","num_streams":1,"blksize":1448,"duration":10,"reverse":1}}}`
	ev, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	st, ok := ev.(Start)
	if !ok {
		t.Fatalf("expected Start, got %T", ev)
	}
	if st.Version != "iperf 3.16" || st.Test.Protocol != "UDP" || st.Test.Reverse != 1 {
		t.Fatalf("unexpected start %+v", st)
	}
	if st.ConnectedTo.Host != "iperf.example.net" || len(st.Connected) != 1 {
		t.Fatalf("unexpected endpoints %+v", st)
	}
	if st.Timestamp.Unix() != 1760436000 {
		t.Fatalf("unexpected timestamp %v", st.Timestamp)
	}
}

func TestDecodeIntervalKinds(t *testing.T) {
	cases := []struct {
		name string
		line string
		want SumKind
	}{
		{"tcp sender", `{"event":"interval","data":{"sum":{"bits_per_second":1000,"retransmits":0,"sender":true}}}`, TCPUplink},
		{"tcp receiver", `{"event":"interval","data":{"sum":{"bits_per_second":1000,"sender":false}}}`, TCPDownlink},
		{"udp sender", `{"event":"interval","data":{"sum":{"bits_per_second":1000,"packets":10,"sender":true}}}`, UDPUplink},
		{"udp receiver", `{"event":"interval","data":{"sum":{"bits_per_second":1000,"packets":10,"jitter_ms":1.5,"lost_packets":1,"lost_percent":10,"sender":false}}}`, UDPDownlink},
		{"legacy tcp without sender", `{"event":"interval","data":{"sum":{"bits_per_second":1000,"retransmits":3}}}`, TCPUplink},
		{"legacy udp receiver without sender", `{"event":"interval","data":{"sum":{"bits_per_second":1000,"packets":10,"jitter_ms":0.2,"lost_percent":0}}}`, UDPDownlink},
	}
	for _, tc := range cases {
		ev, err := Decode([]byte(tc.line))
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		iv, ok := ev.(Interval)
		if !ok {
			t.Fatalf("%s: expected Interval, got %T", tc.name, ev)
		}
		if iv.Sum.Kind != tc.want {
			t.Fatalf("%s: kind=%v want %v", tc.name, iv.Sum.Kind, tc.want)
		}
		if iv.Sum.BitsPerSecond != 1000 {
			t.Fatalf("%s: bps=%v", tc.name, iv.Sum.BitsPerSecond)
		}
	}
}

func TestDecodeUDPDownlinkQuality(t *testing.T) {
	line := `{"event":"interval","data":{"sum":{"bits_per_second":2e6,"packets":100,"jitter_ms":3.25,"lost_packets":5,"lost_percent":5,"sender":false}}}`
	ev, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s := ev.(Interval).Sum
	if s.JitterMs != 3.25 || s.LostPercent != 5 || s.LostPackets != 5 || s.Packets != 100 {
		t.Fatalf("unexpected sum %+v", s)
	}
}

func TestDecodeBidirReverse(t *testing.T) {
	line := `{"event":"interval","data":{"sum":{"bits_per_second":5e6,"retransmits":0,"sender":true},"sum_bidir_reverse":{"bits_per_second":7e6,"sender":false}}}`
	ev, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	iv := ev.(Interval)
	if iv.SumBidirReverse == nil {
		t.Fatalf("expected reverse sum")
	}
	if iv.Sum.Kind != TCPUplink || iv.SumBidirReverse.Kind != TCPDownlink {
		t.Fatalf("unexpected kinds %v/%v", iv.Sum.Kind, iv.SumBidirReverse.Kind)
	}
	if len(iv.Sums()) != 2 {
		t.Fatalf("expected two sums")
	}
}

func TestDecodeEndAndError(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"end"}`))
	if err != nil {
		t.Fatalf("decode end: %v", err)
	}
	if _, ok := ev.(End); !ok {
		t.Fatalf("expected End, got %T", ev)
	}

	ev, err = Decode([]byte(`{"event":"error","data":"unable to connect to server"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e, ok := ev.(Error); !ok || e.Message != "unable to connect to server" {
		t.Fatalf("unexpected error event %#v", ev)
	}
}

func TestDecodeFailures(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"bogus"}`)); !errors.Is(err, ErrUnknownEventKind) {
		t.Fatalf("expected ErrUnknownEventKind, got %v", err)
	} else {
		var uk *UnknownEventError
		if !errors.As(err, &uk) || uk.Kind != "bogus" {
			t.Fatalf("expected UnknownEventError{bogus}, got %v", err)
		}
	}

	for _, line := range []string{
		`{"event":"interval"`,
		`not json`,
		`{"data":{}}`,
		`{"event":"interval","data":{}}`,
		`{"event":"interval","data":{"sum":{"sender":true}}}`,
	} {
		if _, err := Decode([]byte(line)); !errors.Is(err, ErrMalformedLine) {
			t.Fatalf("%q: expected ErrMalformedLine, got %v", line, err)
		}
	}
}
