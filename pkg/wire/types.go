package wire

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDeliveryTagConflict is returned when a delivery tag is set twice with different values.
var ErrDeliveryTagConflict = errors.New("delivery tag already set to a different value")

// Message kinds. The kind string is the discriminant written into the envelope.
const (
	KindStartEvolution    = "StartEvolution"
	KindStopEvolution     = "StopEvolution"
	KindReload            = "Reload"
	KindShutdown          = "Shutdown"
	KindNodeReady         = "NodeReady"
	KindMasterUp          = "MasterUp"
	KindMasterDown        = "MasterDown"
	KindMasterUpdate      = "MasterUpdate"
	KindMasterResult      = "MasterResult"
	KindMasterRequest     = "MasterRequest"
	KindTrainRequest      = "TrainRequest"
	KindTrainNotification = "TrainNotification"
	KindUnknown           = "Unknown"
)

// Message is a typed unit carried by the broker.
// Implementations are pointers to structs embedding Header.
type Message interface {
	// Kind returns the discriminant. It must not dereference the receiver,
	// so a nil pointer of the concrete type reports its kind.
	Kind() string

	// Validate reports a missing or invalid required field.
	Validate() error

	// Meta returns the envelope metadata and delivery tag holder.
	Meta() *Header
}

// Header holds envelope metadata shared by every message.
// ID and SentAtMs are populated on decode; the delivery tag is set by the
// queue consumer that received the message.
type Header struct {
	ID       string `json:"-"`
	SentAtMs int64  `json:"-"`

	deliveryTag string
}

// Meta returns the header itself. Promoted to every message type.
func (h *Header) Meta() *Header {
	return h
}

// DeliveryTag returns the broker delivery identifier, or "" if the message
// was not received from a work queue.
func (h *Header) DeliveryTag() string {
	return h.deliveryTag
}

// SetDeliveryTag assigns the delivery identifier. It may be assigned once;
// assigning the same value again is a no-op and assigning a different value
// returns ErrDeliveryTagConflict.
func (h *Header) SetDeliveryTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("delivery tag cannot be empty")
	}
	if h.deliveryTag == "" {
		h.deliveryTag = tag
		return nil
	}
	if h.deliveryTag != tag {
		return fmt.Errorf("%w: have %s, got %s", ErrDeliveryTagConflict, h.deliveryTag, tag)
	}
	return nil
}

// Control signals carried on the control topic.

// StartEvolution asks every node to start its worker pool.
type StartEvolution struct{ Header }

// StopEvolution asks every node to drain its worker pool.
type StopEvolution struct{ Header }

// Reload asks every node to rebuild its execution context.
type Reload struct{ Header }

// Shutdown asks every node to leave its control loop.
type Shutdown struct{ Header }

func (*StartEvolution) Kind() string { return KindStartEvolution }
func (*StopEvolution) Kind() string  { return KindStopEvolution }
func (*Reload) Kind() string         { return KindReload }
func (*Shutdown) Kind() string       { return KindShutdown }

func (*StartEvolution) Validate() error { return nil }
func (*StopEvolution) Validate() error  { return nil }
func (*Reload) Validate() error         { return nil }
func (*Shutdown) Validate() error       { return nil }

// NodeReady is published on the control topic by a replacement node process
// once it has subscribed, completing an exec-mode reload handoff.
type NodeReady struct {
	Header
	NodeID       string `json:"node_id"`
	HandoffToken string `json:"handoff_token"`
}

func (*NodeReady) Kind() string { return KindNodeReady }

func (m *NodeReady) Validate() error {
	if m.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if m.HandoffToken == "" {
		return fmt.Errorf("handoff_token is required")
	}
	return nil
}

// MasterUp announces that a node won the election for a run. Informational.
type MasterUp struct {
	Header
	RunName string `json:"run_name"`
	NodeID  string `json:"node_id"`
}

func (*MasterUp) Kind() string { return KindMasterUp }

func (m *MasterUp) Validate() error {
	if m.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	return nil
}

// MasterDown announces that the master left its role. Informational.
type MasterDown struct {
	Header
	RunName string `json:"run_name"`
	NodeID  string `json:"node_id"`
	Reason  string `json:"reason,omitempty"`
}

func (*MasterDown) Kind() string { return KindMasterDown }

func (m *MasterDown) Validate() error {
	if m.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	return nil
}

// MasterUpdate reports a completed generation. NodeID names the master that
// ran it.
type MasterUpdate struct {
	Header
	NodeID           string  `json:"node_id,omitempty"`
	GenerationID     string  `json:"generation_id"`
	GenerationNumber int     `json:"generation_number"`
	Fitness          float64 `json:"fitness"`
}

func (*MasterUpdate) Kind() string { return KindMasterUpdate }

func (m *MasterUpdate) Validate() error {
	if m.GenerationID == "" {
		return fmt.Errorf("generation_id is required")
	}
	if m.GenerationNumber < 0 {
		return fmt.Errorf("generation_number must be >= 0, got %d", m.GenerationNumber)
	}
	return finite("fitness", m.Fitness)
}

// MasterResult reports the end of a run.
type MasterResult struct {
	Header
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id,omitempty"`
}

func (*MasterResult) Kind() string { return KindMasterResult }

func (m *MasterResult) Validate() error {
	if m.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	return nil
}

// MasterRequest triggers one optimisation run. It travels on the run-request
// queue, so exactly one candidate receives each instance.
type MasterRequest struct {
	Header
	ProtoRunName  string    `json:"proto_run_name" yaml:"proto_run_name"`
	Symbol        string    `json:"symbol" yaml:"symbol"`
	StartDate     time.Time `json:"start_date" yaml:"start_date"`
	EndDate       time.Time `json:"end_date" yaml:"end_date"`
	ValidationPct float64   `json:"validation_pct" yaml:"validation_pct"`
	SignalType    string    `json:"signal_type" yaml:"signal_type"`
}

func (*MasterRequest) Kind() string { return KindMasterRequest }

func (m *MasterRequest) Validate() error {
	if m.ProtoRunName == "" {
		return fmt.Errorf("proto_run_name is required")
	}
	if m.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if m.StartDate.IsZero() || m.EndDate.IsZero() {
		return fmt.Errorf("start_date and end_date are required")
	}
	if !m.StartDate.Before(m.EndDate) {
		return fmt.Errorf("start_date must be before end_date")
	}
	if m.ValidationPct < 0 || m.ValidationPct >= 100 {
		return fmt.Errorf("validation_pct must be in [0, 100), got %v", m.ValidationPct)
	}
	if m.SignalType == "" {
		return fmt.Errorf("signal_type is required")
	}
	return nil
}

// Chromosome is the opaque genome of one mixture.
type Chromosome struct {
	Genes []float64 `json:"genes"`
}

// Validate checks the chromosome carries encodable genes.
func (c Chromosome) Validate() error {
	if len(c.Genes) == 0 {
		return fmt.Errorf("chromosome has no genes")
	}
	for i, g := range c.Genes {
		if err := finite(fmt.Sprintf("genes[%d]", i), g); err != nil {
			return err
		}
	}
	return nil
}

// TrainRequest is one training task, consumed by exactly one worker.
type TrainRequest struct {
	Header
	MixtureID  string     `json:"mixture_id"`
	Chromosome Chromosome `json:"chromosome"`
}

func (*TrainRequest) Kind() string { return KindTrainRequest }

func (m *TrainRequest) Validate() error {
	if m.MixtureID == "" {
		return fmt.Errorf("mixture_id is required")
	}
	return m.Chromosome.Validate()
}

// TrainNotification is broadcast by a worker after it finished a task.
type TrainNotification struct {
	Header
	OriginalRequest TrainRequest `json:"original_request"`
	Worker          string       `json:"worker,omitempty"`
}

func (*TrainNotification) Kind() string { return KindTrainNotification }

func (m *TrainNotification) Validate() error {
	if err := m.OriginalRequest.Validate(); err != nil {
		return fmt.Errorf("original_request: %w", err)
	}
	return nil
}

// Unknown is the decode-failure sentinel. It keeps the original bytes and the
// reason so the delivery can still be acknowledged and logged.
type Unknown struct {
	Header
	Raw    []byte
	Reason string
}

func (*Unknown) Kind() string { return KindUnknown }

func (*Unknown) Validate() error { return nil }

func finite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", field)
	}
	return nil
}
