// Package observation decodes and validates inbound bus messages into the
// typed shape the coincidence cache operates on.
package observation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

// Observation is a single detector report, fully decoded and validated.
type Observation struct {
	ID            string          `json:"_id"`
	DetectorName  string          `json:"detector_name"`
	NeutrinoTime  time.Time       `json:"neutrino_time"`
	MachineTime   time.Time       `json:"machine_time"`
	ReceivedTime  time.Time       `json:"received_time"`
	PVal          float64         `json:"p_val"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
}

// Message is the result of decoding one raw bus payload: either a retraction
// request (only DetectorName is meaningful) or a fully-populated Observation.
type Message struct {
	IsRetraction bool
	DetectorName string
	Obs          Observation
}

// BadMessage is returned when a raw payload cannot be decoded into a valid
// Observation or retraction request.
type BadMessage struct {
	Reason string
	Cause  error
}

func (e *BadMessage) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bad message: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("bad message: %s", e.Reason)
}

func (e *BadMessage) Unwrap() error { return e.Cause }

// wireObservation mirrors the JSON shape on the bus. neutrino_time and
// machine_time travel as RFC3339-with-fractional-seconds strings.
type wireObservation struct {
	ID            string          `json:"_id"`
	DetectorName  string          `json:"detector_name"`
	NeutrinoTime  string          `json:"neutrino_time"`
	MachineTime   string          `json:"machine_time"`
	PVal          float64         `json:"p_val"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	RetractLatest bool            `json:"retract_latest,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
}

// ParseMessage classifies and decodes a raw bus payload. It peeks at
// retract_latest and detector_name with gjson before committing to a full
// sonic unmarshal, so malformed payloads can be rejected cheaply. Payload
// size is not checked.
func ParseMessage(raw []byte) (*Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &BadMessage{Reason: "payload is not valid JSON"}
	}

	root := gjson.ParseBytes(raw)

	if root.Get("retract_latest").Bool() {
		detector := root.Get("detector_name").String()
		if detector == "" {
			return nil, &BadMessage{Reason: "retraction message missing detector_name"}
		}
		return &Message{IsRetraction: true, DetectorName: detector}, nil
	}

	var w wireObservation
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return nil, &BadMessage{Reason: "could not unmarshal observation", Cause: err}
	}

	obs, err := fromWire(w)
	if err != nil {
		return nil, err
	}

	return &Message{IsRetraction: false, DetectorName: obs.DetectorName, Obs: obs}, nil
}

func fromWire(w wireObservation) (Observation, error) {
	if w.ID == "" {
		return Observation{}, &BadMessage{Reason: "missing _id"}
	}
	if w.DetectorName == "" {
		return Observation{}, &BadMessage{Reason: "missing detector_name"}
	}
	if w.NeutrinoTime == "" {
		return Observation{}, &BadMessage{Reason: "missing neutrino_time"}
	}
	if w.PVal < 0 || w.PVal > 1 {
		return Observation{}, &BadMessage{Reason: fmt.Sprintf("p_val out of range [0,1]: %v", w.PVal)}
	}

	neutrinoTime, err := parseTimestamp(w.NeutrinoTime)
	if err != nil {
		return Observation{}, &BadMessage{Reason: "unparseable neutrino_time", Cause: err}
	}

	var machineTime time.Time
	if w.MachineTime != "" {
		machineTime, err = parseTimestamp(w.MachineTime)
		if err != nil {
			return Observation{}, &BadMessage{Reason: "unparseable machine_time", Cause: err}
		}
	}

	return Observation{
		ID:            w.ID,
		DetectorName:  w.DetectorName,
		NeutrinoTime:  neutrinoTime,
		MachineTime:   machineTime,
		PVal:          w.PVal,
		Meta:          w.Meta,
		SchemaVersion: w.SchemaVersion,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999", s)
}

// Encode marshals an Observation back to its wire shape, for storage or
// republishing.
func Encode(o Observation) ([]byte, error) {
	w := wireObservation{
		ID:            o.ID,
		DetectorName:  o.DetectorName,
		NeutrinoTime:  o.NeutrinoTime.UTC().Format(time.RFC3339Nano),
		PVal:          o.PVal,
		Meta:          o.Meta,
		SchemaVersion: o.SchemaVersion,
	}
	if !o.MachineTime.IsZero() {
		w.MachineTime = o.MachineTime.UTC().Format(time.RFC3339Nano)
	}
	return sonic.Marshal(w)
}
