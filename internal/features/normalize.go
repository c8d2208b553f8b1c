// Package features validates feature records that arrive from outside the
// sampler and derives the numeric projection sent alongside predictions.
package features

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"nidsguard/internal/model"
)

var knownFlags = []string{"SYN", "ACK", "FIN", "RST", "PSH", "URG"}

// Normalize returns a cleaned copy of rec or an error describing the first
// invalid field. A zero ObservedAt is stamped with the current time.
func Normalize(rec model.FeatureRecord) (model.FeatureRecord, error) {
	out := rec
	src, err := parseAddr(rec.SourceAddress)
	if err != nil {
		return model.FeatureRecord{}, fmt.Errorf("source address: %w", err)
	}
	dst, err := parseAddr(rec.DestAddress)
	if err != nil {
		return model.FeatureRecord{}, fmt.Errorf("dest address: %w", err)
	}
	out.SourceAddress = src
	out.DestAddress = dst
	if rec.Port < 0 || rec.Port > 65535 {
		return model.FeatureRecord{}, fmt.Errorf("port out of range: %d", rec.Port)
	}
	proto, err := ParseProtocol(string(rec.Protocol))
	if err != nil {
		return model.FeatureRecord{}, err
	}
	out.Protocol = proto
	if rec.PacketSizeBytes <= 0 {
		return model.FeatureRecord{}, fmt.Errorf("packet size must be positive: %d", rec.PacketSizeBytes)
	}
	out.Flags = NormalizeFlags(rec.Flags)
	if out.ObservedAt.IsZero() {
		out.ObservedAt = time.Now().UTC()
	} else {
		out.ObservedAt = out.ObservedAt.UTC()
	}
	return out, nil
}

func parseAddr(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("empty address")
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func ParseProtocol(value string) (model.Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "TCP", "6":
		return model.ProtocolTCP, nil
	case "UDP", "17":
		return model.ProtocolUDP, nil
	case "ICMP", "1":
		return model.ProtocolICMP, nil
	}
	return "", fmt.Errorf("unsupported protocol: %q", value)
}

// NormalizeFlags upper-cases, de-duplicates and drops unknown TCP flags,
// returning them in canonical order. The result never aliases flags.
func NormalizeFlags(flags []string) []string {
	seen := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		seen[strings.ToUpper(strings.TrimSpace(f))] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for _, f := range knownFlags {
		if _, ok := seen[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func ProtocolScore(p model.Protocol) float64 {
	if p == model.ProtocolTCP {
		return 0.8
	}
	return 0.3
}

// Project is the fixed numeric view of a record attached to every result.
func Project(rec model.FeatureRecord) map[string]float64 {
	return map[string]float64{
		"packetSize":    float64(rec.PacketSizeBytes),
		"port":          float64(rec.Port),
		"protocolScore": ProtocolScore(rec.Protocol),
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC3339 variants, naive ISO timestamps (read as
// loc), bare dates and unix seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
