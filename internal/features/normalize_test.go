package features

import (
	"testing"
	"time"

	"nidsguard/internal/model"
)

func validRecord() model.FeatureRecord {
	return model.FeatureRecord{
		SourceAddress:   "192.168.1.10",
		DestAddress:     "10.0.0.7",
		Port:            443,
		Protocol:        "tcp",
		PacketSizeBytes: 512,
		Flags:           []string{"ack", "SYN", "syn", "bogus"},
	}
}

func TestNormalizeCleansRecord(t *testing.T) {
	rec, err := Normalize(validRecord())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Protocol != model.ProtocolTCP {
		t.Fatalf("protocol: %s", rec.Protocol)
	}
	if len(rec.Flags) != 2 || rec.Flags[0] != "SYN" || rec.Flags[1] != "ACK" {
		t.Fatalf("flags: %v", rec.Flags)
	}
	if rec.ObservedAt.IsZero() {
		t.Fatalf("observed_at not stamped")
	}
}

func TestNormalizeRejectsBadFields(t *testing.T) {
	cases := map[string]func(*model.FeatureRecord){
		"port":     func(r *model.FeatureRecord) { r.Port = 70000 },
		"size":     func(r *model.FeatureRecord) { r.PacketSizeBytes = 0 },
		"protocol": func(r *model.FeatureRecord) { r.Protocol = "SCTP" },
		"src":      func(r *model.FeatureRecord) { r.SourceAddress = "not-an-ip" },
		"dst":      func(r *model.FeatureRecord) { r.DestAddress = "" },
	}
	for name, mutate := range cases {
		rec := validRecord()
		mutate(&rec)
		if _, err := Normalize(rec); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNormalizeFlagsDoesNotAlias(t *testing.T) {
	in := []string{"FIN"}
	out := NormalizeFlags(in)
	out[0] = "RST"
	if in[0] != "FIN" {
		t.Fatalf("input mutated")
	}
}

func TestProject(t *testing.T) {
	p := Project(model.FeatureRecord{Port: 53, Protocol: model.ProtocolUDP, PacketSizeBytes: 80})
	if p["port"] != 53 || p["packetSize"] != 80 || p["protocolScore"] != 0.3 {
		t.Fatalf("projection: %v", p)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []string{
		"2026-02-23T12:34:56Z",
		"2026-02-23T12:34:56.123456",
		"2024-01-10",
		"1771850096",
		"1771850096000",
	}
	for _, v := range cases {
		if _, err := ParseTimestamp(v, time.UTC); err != nil {
			t.Fatalf("%s: %v", v, err)
		}
	}
	if _, err := ParseTimestamp("yesterday", time.UTC); err == nil {
		t.Fatalf("expected error")
	}
}
