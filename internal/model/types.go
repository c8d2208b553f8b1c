package model

import "time"

type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
)

type ModelStatus string

const (
	StatusActive   ModelStatus = "active"
	StatusTraining ModelStatus = "training"
	StatusOffline  ModelStatus = "offline"
)

type Label string

const (
	LabelBenign Label = "benign"
	LabelThreat Label = "threat"
)

// Source records which scorer produced a PredictionResult.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// FeatureRecord is one sampled network observation. JSON names match the
// body expected by the inference endpoint.
type FeatureRecord struct {
	ObservedAt      time.Time `json:"timestamp"`
	SourceAddress   string    `json:"sourceIp"`
	DestAddress     string    `json:"destIp"`
	Port            int       `json:"port"`
	Protocol        Protocol  `json:"protocol"`
	PacketSizeBytes int       `json:"packetSize"`
	Flags           []string  `json:"flags"`
}

type ModelDescriptor struct {
	ID               string      `json:"id"`
	DisplayName      string      `json:"name"`
	Type             string      `json:"type,omitempty"`
	Status           ModelStatus `json:"status"`
	ReportedAccuracy float64     `json:"accuracy"`
	LastTrainedAt    time.Time   `json:"last_trained_at"`
	Samples          int         `json:"samples,omitempty"`
	Features         int         `json:"features,omitempty"`
}

type PredictionResult struct {
	ID             string             `json:"id"`
	ModelID        string             `json:"model_id"`
	Label          Label              `json:"label"`
	Confidence     float64            `json:"confidence"`
	ProducedAt     time.Time          `json:"produced_at"`
	ScoredAt       time.Time          `json:"scored_at,omitzero"`
	Source         Source             `json:"source"`
	Features       map[string]float64 `json:"features,omitempty"`
	FallbackReason string             `json:"fallback_reason,omitempty"`
}

func (r PredictionResult) IsThreat() bool {
	return r.Label == LabelThreat
}

type ModelMetrics struct {
	ModelID           string  `json:"model_id"`
	TruePositiveRate  float64 `json:"true_positive_rate"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1Score           float64 `json:"f1_score"`
	Accuracy          float64 `json:"accuracy,omitempty"`
	Source            Source  `json:"source"`
}

// ModelStats aggregates the predictions observed for one model.
type ModelStats struct {
	ModelID        string    `json:"model_id"`
	Total          int       `json:"total"`
	Threats        int       `json:"threats"`
	Fallbacks      int       `json:"fallbacks"`
	LastConfidence float64   `json:"last_confidence"`
	UpdatedAt      time.Time `json:"updated_at"`
}
