// Package sampler produces synthetic network-flow feature records standing in
// for a live traffic source.
package sampler

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"nidsguard/internal/model"
)

var (
	commonPorts = []int{80, 443, 22, 21, 25, 53, 3389, 8080}
	protocols   = []model.Protocol{model.ProtocolTCP, model.ProtocolUDP, model.ProtocolICMP}
	tcpFlags    = []string{"SYN", "ACK", "FIN"}
)

const (
	minPacketSize = 64
	maxPacketSize = 1564
	flagChance    = 0.3
)

type Sampler struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// New returns a sampler drawing from src; a nil src is seeded randomly.
func New(src rand.Source) *Sampler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{rnd: rand.New(src), now: time.Now}
}

func (s *Sampler) Sample() model.FeatureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags := make([]string, 0, len(tcpFlags))
	for _, f := range tcpFlags {
		if s.rnd.Float64() < flagChance {
			flags = append(flags, f)
		}
	}
	return model.FeatureRecord{
		ObservedAt:      s.now().UTC(),
		SourceAddress:   fmt.Sprintf("192.168.1.%d", s.rnd.IntN(254)+1),
		DestAddress:     fmt.Sprintf("10.0.0.%d", s.rnd.IntN(254)+1),
		Port:            commonPorts[s.rnd.IntN(len(commonPorts))],
		Protocol:        protocols[s.rnd.IntN(len(protocols))],
		PacketSizeBytes: minPacketSize + s.rnd.IntN(maxPacketSize-minPacketSize+1),
		Flags:           flags,
	}
}
