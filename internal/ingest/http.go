package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"siphon-rainrate/internal/config"
)

// Poller fetches the current loop packet from a station HTTP endpoint.
type Poller struct {
	opts   config.PollConfig
	logger zerolog.Logger
	client *http.Client
	last   int64
}

// NewPoller constructs an HTTP poller.
func NewPoller(opts config.PollConfig, logger zerolog.Logger) *Poller {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	return &Poller{
		opts:   opts,
		logger: logger.With().Str("component", "http_poller").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Run polls on every interval and hands each new packet to handle. A
// packet whose dateTime is not newer than the last one handled is skipped.
func (p *Poller) Run(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx, handle)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, handle Handler) {
	pkt, err := p.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("loop packet poll failed")
		}
		return
	}
	if pkt.DateTime <= p.last {
		return
	}
	p.last = pkt.DateTime

	if err := handle(ctx, pkt); err != nil {
		p.logger.Error().Err(err).Int64("date_time", pkt.DateTime).Msg("loop packet handler failed")
	}
}

// Fetch performs a single GET and decodes the response body.
func (p *Poller) Fetch(ctx context.Context) (LoopPacket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return LoopPacket{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "rainrate/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return LoopPacket{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return LoopPacket{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return LoopPacket{}, parseHTTPError(resp.StatusCode, payload)
	}

	return DecodePacket(payload)
}

// Close drops idle keep-alive connections.
func (p *Poller) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("station api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("station api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("station api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return errors.New(http.StatusText(status))
}

var (
	_ Source = (*Poller)(nil)
	_ Source = (*KafkaSource)(nil)
	_ Source = (*MQTTClient)(nil)
	_ Sink   = (*KafkaSink)(nil)
	_ Sink   = (*MQTTClient)(nil)
)
