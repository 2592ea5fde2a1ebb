// Package ingest moves weather station loop packets in and out of the
// service over Kafka, MQTT or HTTP polling.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	fieldDateTime = "dateTime"
	fieldRain     = "rain"
	fieldRainRate = "rainRate"
)

// ErrMissingDateTime reports a packet without a usable dateTime field.
var ErrMissingDateTime = errors.New("loop packet has no dateTime")

// LoopPacket is one station observation. Fields keeps every key of the
// original payload so the packet can be republished with only rainRate
// changed.
type LoopPacket struct {
	DateTime int64
	Rain     *float64
	RainRate *float64
	Fields   map[string]json.RawMessage
}

// Handler consumes decoded loop packets. A returned error is logged by the
// source and does not stop it.
type Handler func(ctx context.Context, pkt LoopPacket) error

// Source delivers loop packets until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, handle Handler) error
	Close() error
}

// Sink republishes processed loop packets.
type Sink interface {
	Publish(ctx context.Context, pkt LoopPacket) error
	Close() error
}

// DecodePacket parses a JSON loop packet. Numbers may arrive as JSON
// numbers or numeric strings. A missing or unparsable rain value decodes
// as nil rather than failing the packet.
func DecodePacket(data []byte) (LoopPacket, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return LoopPacket{}, fmt.Errorf("decode loop packet: %w", err)
	}
	if fields == nil {
		return LoopPacket{}, fmt.Errorf("decode loop packet: not an object")
	}

	ts, ok := parseNumber(fields[fieldDateTime])
	if !ok || ts <= 0 {
		return LoopPacket{}, ErrMissingDateTime
	}

	pkt := LoopPacket{DateTime: int64(ts), Fields: fields}
	if rain, ok := parseNumber(fields[fieldRain]); ok {
		pkt.Rain = &rain
	}
	if rate, ok := parseNumber(fields[fieldRainRate]); ok {
		pkt.RainRate = &rate
	}
	return pkt, nil
}

// SetRainRate attaches rate to the packet, rounded to three decimals.
func (p *LoopPacket) SetRainRate(rate float64) {
	rounded := RoundRate(rate).InexactFloat64()
	p.RainRate = &rounded
}

// Encode renders the packet as JSON, preserving unknown fields.
func (p LoopPacket) Encode() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Fields)+1)
	for k, v := range p.Fields {
		out[k] = v
	}
	out[fieldDateTime] = json.RawMessage(strconv.FormatInt(p.DateTime, 10))
	if p.RainRate != nil {
		out[fieldRainRate] = json.RawMessage(RoundRate(*p.RainRate).String())
	}
	return json.Marshal(out)
}

// RoundRate rounds a rain rate to the three decimals kept on the wire and
// in the archive.
func RoundRate(rate float64) decimal.Decimal {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(rate).Round(3)
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(s)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
