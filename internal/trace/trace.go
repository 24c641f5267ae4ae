package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// StepTrace is the canonical record of one pipeline step.
//
// It captures logical transitions only: no timestamps, worker ids, values or
// error strings. Two runs of the same pipeline over the same inputs produce
// byte-identical canonical encodings regardless of worker count or schedule.
type StepTrace struct {
	PipelineHash string
	Events       []Event
}

// EventKind is the discriminator for Event. The string values are part of
// the canonical bytes; do not rename.
type EventKind string

const (
	EventStageExecuted  EventKind = "StageExecuted"
	EventStageFailed    EventKind = "StageFailed"
	EventStageSkipped   EventKind = "StageSkipped"
	EventStepCommitted  EventKind = "StepCommitted"
	EventStepRolledBack EventKind = "StepRolledBack"
)

// Event is a single logical transition.
type Event struct {
	Kind EventKind

	// Stage names the stage for stage-level events.
	Stage string

	// Reason is a stable reason code, e.g. "NumericError" or "UpstreamFailed".
	Reason string

	// Cause names a related stage, e.g. the failing stage behind a skip.
	Cause string

	// Fields lists field names the event refers to: outputs of an executed
	// stage, or the fields published by a commit.
	Fields []string
}

// IsStageEvent reports whether kind refers to a single stage.
func IsStageEvent(kind EventKind) bool {
	switch kind {
	case EventStageExecuted, EventStageFailed, EventStageSkipped:
		return true
	default:
		return false
	}
}

// Validate checks basic invariants.
func (t *StepTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PipelineHash == "" {
		return errors.New("pipelineHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if IsStageEvent(e.Kind) && e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required for kind %q", i, e.Kind)
		}
		for j, f := range e.Fields {
			if f == "" {
				return fmt.Errorf("events[%d].fields[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts fields within events and events by
// (step-level last, stage, kind order, reason, cause, fields).
func (t *StepTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Fields = sortedCopy(t.Events[i].Fields)
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		as, bs := IsStageEvent(a.Kind), IsStageEvent(b.Kind)
		if as != bs {
			return as
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return lessStrings(a.Fields, b.Fields)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStageExecuted:
		return 10
	case EventStageFailed:
		return 20
	case EventStageSkipped:
		return 30
	case EventStepCommitted:
		return 40
	case EventStepRolledBack:
		return 50
	default:
		return 1000
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding without mutating t.
func (t StepTrace) CanonicalJSON() ([]byte, error) {
	c := StepTrace{PipelineHash: t.PipelineHash, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical encoding.
func (t StepTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}

// MarshalJSON fixes field order.
func (t StepTrace) MarshalJSON() ([]byte, error) {
	if t.PipelineHash == "" {
		return nil, errors.New("pipelineHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"pipelineHash":`)
	ph, _ := json.Marshal(t.PipelineHash)
	buf.Write(ph)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeString := func(key, v string) {
		if v == "" {
			return
		}
		buf.WriteString(`,"` + key + `":`)
		b, _ := json.Marshal(v)
		buf.Write(b)
	}
	writeString("stage", e.Stage)
	writeString("reason", e.Reason)
	writeString("cause", e.Cause)

	if fields := sortedCopy(e.Fields); len(fields) > 0 {
		buf.WriteString(`,"fields":`)
		fb, _ := json.Marshal(fields)
		buf.Write(fb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
