// Package iperf3 decodes the JSON-lines output of `iperf3 --json-stream`
// and turns it into typed events.
//
// Every output line is one object:
//
//	{"event":"start","data":{...}}
//	{"event":"interval","data":{"streams":[...],"sum":{...},"sum_bidir_reverse":{...}}}
//	{"event":"end","data":{...}}
//	{"event":"error","data":"unable to connect to server"}
//
// Parser reads such a stream incrementally (including a log file that is
// still being written), keeps the last start event and the interval
// history, and fans events out to subscribers.
package iperf3
