package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

var ErrNoServers = errors.New("speedtest: no servers available")

// RunConfig controls how a baseline run is executed.
type RunConfig struct {
	// Candidate servers to ping (nearest first).
	ServerCount int
	// Lowest-latency servers that get a full download/upload test.
	// Full tests run sequentially.
	FullTestServers int

	SavingMode     bool
	MaxConnections int

	PingConcurrency int

	// PacketLossEnabled toggles packet loss probing (extra network work).
	PacketLossEnabled bool
	PacketLossTimeout time.Duration
}

func (c RunConfig) withDefaults() RunConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.FullTestServers <= 0 {
		c.FullTestServers = 1
	}
	if c.FullTestServers > c.ServerCount {
		c.FullTestServers = c.ServerCount
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.PacketLossTimeout <= 0 {
		c.PacketLossTimeout = 3 * time.Second
	}
	return c
}

// Runner executes baseline runs.
type Runner struct {
	cfg RunConfig
}

func NewRunner(cfg RunConfig) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// Run executes a single baseline run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg

	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()

	// Dedicated transport so connections are dropped after the run.
	tr := newTransport(cfg.MaxConnections)
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}), st.WithDoer(&http.Client{Transport: tr}))
	stc.SetNThread(cfg.MaxConnections)

	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(cfg.ServerCount, len(servers))]

	pinged := pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, fmt.Errorf("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	fullSet := pinged[:min(cfg.FullTestServers, len(pinged))]

	results := make([]serverResult, 0, len(fullSet))
	for _, s := range fullSet {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		results = append(results, serverResult{
			Sponsor:  s.Sponsor,
			Country:  s.Country,
			Host:     s.Host,
			Download: s.DLSpeed.Mbps(),
			Upload:   s.ULSpeed.Mbps(),
			Ping:     s.Latency,
			Jitter:   s.Jitter,
		})
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("full test failed for all servers")
	}

	avg := average(results)
	chosen := best(results)

	pl := 0.0
	if cfg.PacketLossEnabled {
		host := chosen.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, plCancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
		pl = packetLoss(plCtx, host)
		plCancel()
	}

	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  avg.Download,
		UploadMbps:    avg.Upload,
		PingMs:        float64(avg.Ping.Microseconds()) / 1000,
		JitterMs:      float64(chosen.Jitter.Microseconds()) / 1000,
		PacketLoss:    pl,
		ISP:           user.Isp,
		ServerName:    chosen.Sponsor,
		ServerCountry: chosen.Country,
		Duration:      time.Since(start),
		FullTestCount: len(results),
	}, nil
}

func pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	sem := make(chan struct{}, maxConcurrent)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make([]*st.Server, 0, len(servers))
	)
	for _, s := range servers {
		s := s // per-iteration copy; module targets go 1.21 loop semantics
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

type serverResult struct {
	Sponsor  string
	Country  string
	Host     string
	Download float64
	Upload   float64
	Ping     time.Duration
	Jitter   time.Duration
}

func average(results []serverResult) serverResult {
	if len(results) == 0 {
		return serverResult{}
	}
	var dl, ul float64
	var ping time.Duration
	for _, r := range results {
		dl += r.Download
		ul += r.Upload
		ping += r.Ping
	}
	n := len(results)
	return serverResult{
		Download: dl / float64(n),
		Upload:   ul / float64(n),
		Ping:     ping / time.Duration(n),
	}
}

// best prefers lower ping, then higher download.
func best(results []serverResult) serverResult {
	b := results[0]
	for _, r := range results[1:] {
		if r.Ping < b.Ping || (r.Ping == b.Ping && r.Download > b.Download) {
			b = r
		}
	}
	return b
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}

func newTransport(perHost int) *http.Transport {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(perHost, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
