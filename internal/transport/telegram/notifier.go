// Package telegram posts driveperf summaries and log lines to one chat.
// It is send-only: no updates are polled.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"driveperf/internal/runner"
	logx "driveperf/pkg/logx"
	"driveperf/pkg/speedtest"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

var ErrNoToken = errors.New("telegram: token is empty")

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// RatePerMinute caps outgoing messages; 0 means 20.
	RatePerMinute int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Notifier sends plain-text messages to the configured chat.
type Notifier struct {
	bot     *tele.Bot
	chat    *tele.Chat
	thread  int
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNoToken
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perMin := cfg.RatePerMinute
	if perMin <= 0 {
		perMin = 20
	}
	// Offline skips getMe so a missing network at boot does not fail startup.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Notifier{
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		thread:  cfg.ThreadID,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 3),
		log:     log,
	}, nil
}

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. It waits for the rate limiter, bounded by ctx.
func (n *Notifier) SendText(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := n.bot.Send(n.chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              n.thread,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NotifyMeasurement posts the measurement summary.
func (n *Notifier) NotifyMeasurement(ctx context.Context, m runner.Measurement) error {
	return n.SendText(ctx, m.Text())
}

// NotifyBaseline posts a speedtest baseline.
func (n *Notifier) NotifyBaseline(ctx context.Context, r speedtest.Result) error {
	return n.SendText(ctx, baselineText(r))
}

func baselineText(r speedtest.Result) string {
	var b strings.Builder
	b.WriteString("speedtest baseline")
	if r.ServerName != "" {
		b.WriteString(" → " + r.ServerName)
		if r.ServerCountry != "" {
			b.WriteString(" (" + r.ServerCountry + ")")
		}
	}
	b.WriteString("\n")
	b.WriteString("DL " + fmtFloat(r.DownloadMbps) + " Mbit/s, UL " + fmtFloat(r.UploadMbps) + " Mbit/s\n")
	b.WriteString("ping " + fmtFloat(r.PingMs) + " ms, jitter " + fmtFloat(r.JitterMs) + " ms")
	if r.ISP != "" {
		b.WriteString("\nISP " + r.ISP)
	}
	return b.String()
}

// splitText splits long messages, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
