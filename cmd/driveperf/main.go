package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"

	"driveperf/internal/app"
	"driveperf/internal/runner"
	logx "driveperf/pkg/logx"
)

func main() {
	var (
		cfgPath    string
		replayPath string
		profMode   string
		profDir    string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&replayPath, "replay", "", "parse a recorded iperf3 --json-stream log, print the summary and exit")
	flag.StringVar(&profMode, "profile", "", "write a profile on exit: cpu, mem, block, mutex or trace")
	flag.StringVar(&profDir, "profile-dir", ".", "directory for -profile output")
	flag.Parse()

	os.Exit(run(cfgPath, replayPath, profMode, profDir))
}

func run(cfgPath, replayPath, profMode, profDir string) int {
	if profMode != "" {
		mode, ok := profileModes[profMode]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown -profile %q\n", profMode)
			return 2
		}
		defer profile.Start(mode, profile.ProfilePath(profDir), profile.NoShutdownHook, profile.Quiet).Stop()
	}

	if replayPath != "" {
		return replay(replayPath)
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}

	var reason app.StopReason
	select {
	case s := <-sigCh:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

var profileModes = map[string]func(*profile.Profile){
	"cpu":   profile.CPUProfile,
	"mem":   profile.MemProfile,
	"block": profile.BlockProfile,
	"mutex": profile.MutexProfile,
	"trace": profile.TraceProfile,
}

func replay(path string) int {
	m, err := runner.Replay(path, logx.NewConsole("WARN"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		return 1
	}
	fmt.Print(m.Text())
	if !m.Complete {
		fmt.Fprintln(os.Stderr, "replay: log has no end event")
	}
	return 0
}
