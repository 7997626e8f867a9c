package kapti

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Progress steps understood by the runner and the presenter.
const (
	StepStarting            = "starting"
	StepAcquireFetch        = "acquire.fetch"
	StepAcquireDone         = "acquire.done"
	StepAcquireFail         = "acquire.fail"
	StepInstallProgress     = "install.progress"
	StepInstallFinishUpdate = "install.finish_update"
)

// linePrefix starts every record on the wire.
const linePrefix = "JSON "

// ProgressEvent is one step-tagged progress record. Only the payload fields
// belonging to Step are meaningful; anything else the writer sent is kept
// in Extra.
type ProgressEvent struct {
	Step         string
	FetchedBytes uint64
	TotalBytes   uint64
	Percent      float64
	Extra        map[string]any
}

func (e ProgressEvent) String() string {
	switch e.Step {
	case StepAcquireFetch:
		return fmt.Sprintf("%s{%d/%d}", e.Step, e.FetchedBytes, e.TotalBytes)
	case StepInstallProgress:
		return fmt.Sprintf("%s{%g}", e.Step, e.Percent)
	}
	return e.Step
}

// MarshalJSON writes the event as a flat single-line object.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		m[k] = v
	}
	m["step"] = e.Step
	switch e.Step {
	case StepAcquireFetch:
		m["fetched_bytes"] = e.FetchedBytes
		m["total_bytes"] = e.TotalBytes
	case StepInstallProgress:
		m["percent"] = e.Percent
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses a flat object and validates the step payload.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	step, ok := raw["step"].(string)
	if !ok || step == "" {
		return fmt.Errorf("missing step")
	}
	delete(raw, "step")

	ev := ProgressEvent{Step: step}
	var err error
	switch step {
	case StepAcquireFetch:
		if ev.FetchedBytes, err = takeUint(raw, "fetched_bytes"); err != nil {
			return err
		}
		if ev.TotalBytes, err = takeUint(raw, "total_bytes"); err != nil {
			return err
		}
	case StepInstallProgress:
		n, ok := raw["percent"].(json.Number)
		if !ok {
			return fmt.Errorf("percent: not a number")
		}
		ev.Percent, err = n.Float64()
		if err != nil || math.IsNaN(ev.Percent) || ev.Percent < 0 || ev.Percent > 100 {
			return fmt.Errorf("percent: out of range: %s", n)
		}
		delete(raw, "percent")
	}
	if len(raw) > 0 {
		ev.Extra = raw
	}
	*e = ev
	return nil
}

func takeUint(raw map[string]any, key string) (uint64, error) {
	n, ok := raw[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s: not a number", key)
	}
	delete(raw, key)
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: not a byte count: %s", key, n)
	}
	return v, nil
}

// EncodeLine renders one wire record, newline included.
func EncodeLine(ev ProgressEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(linePrefix)+len(body)+1)
	line = append(line, linePrefix...)
	line = append(line, body...)
	return append(line, '\n'), nil
}

// ParseLine decodes one record without its trailing newline.
func ParseLine(line string) (ProgressEvent, error) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, linePrefix) {
		return ProgressEvent{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedEvent, linePrefix)
	}
	var ev ProgressEvent
	if err := json.Unmarshal([]byte(line[len(linePrefix):]), &ev); err != nil {
		return ProgressEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}
