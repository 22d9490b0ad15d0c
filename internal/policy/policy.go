package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dialout-engine/internal/calls"

	"gopkg.in/yaml.v3"
)

// Policy is the call-behavior configuration surface consumed by the engine:
// per-callType digit maps and required script fields, the per-failure-cause
// backoff table, attempt limits, and the local no-decision timeout. It is
// owned by the operator, not by this core, and is loaded from a YAML file.
type Policy struct {
	MaxAttempts       int         `yaml:"max_attempts"`
	NoDecisionTimeout Duration    `yaml:"no_decision_timeout"`
	DefaultLanguage   string      `yaml:"default_language"`
	Backoff           BackoffSpec `yaml:"backoff"`

	CallTypes map[calls.CallType]CallPolicy `yaml:"call_types"`
}

// BackoffSpec maps a retry-eligible failure cause to its retry delay.
type BackoffSpec struct {
	NoResponse Duration `yaml:"no_response"`
	Busy       Duration `yaml:"busy"`
}

// CallPolicy describes one decision script: which payload fields the
// initiation request must carry, which provider applet plays it, and how the
// callee's DTMF input maps to an outcome.
type CallPolicy struct {
	ScriptID       string   `yaml:"script_id"`
	RequiredFields []string `yaml:"required_fields"`

	// DigitMap maps an exact cleaned digit sequence to ACCEPTED or REJECTED.
	DigitMap map[string]calls.Outcome `yaml:"digit_map"`

	// ReasonMap maps an optional follow-up digit after a rejection to a
	// rejection reason. Absence defaults to OTHER.
	ReasonMap map[string]calls.RejectionReason `yaml:"reason_map"`

	// ValueEntry enables numeric value capture: a 1-2 digit sequence,
	// optionally terminated by '#', becomes VALUE_SET with the parsed
	// integer clamped to [ValueMin, ValueMax].
	ValueEntry bool `yaml:"value_entry"`
	ValueMin   int  `yaml:"value_min"`
	ValueMax   int  `yaml:"value_max"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Default returns the built-in policy. A policy file overrides any subset.
func Default() *Policy {
	return &Policy{
		MaxAttempts:       3,
		NoDecisionTimeout: Duration(45 * time.Second),
		DefaultLanguage:   "hi",
		Backoff: BackoffSpec{
			NoResponse: Duration(2 * time.Minute),
			Busy:       Duration(5 * time.Minute),
		},
		CallTypes: map[calls.CallType]CallPolicy{
			calls.CallTypeConfirmation: {
				ScriptID:       "confirmation",
				RequiredFields: []string{"order_id", "vendor_name", "order_amount"},
				DigitMap: map[string]calls.Outcome{
					"1": calls.OutcomeAccepted,
					"0": calls.OutcomeRejected,
					"2": calls.OutcomeRejected,
				},
				ReasonMap: map[string]calls.RejectionReason{
					"1": calls.ReasonItemUnavailable,
					"2": calls.ReasonTooBusy,
					"3": calls.ReasonShopClosed,
				},
				ValueEntry: true,
				ValueMin:   5,
				ValueMax:   90,
			},
			calls.CallTypeAssignment: {
				ScriptID:       "assignment",
				RequiredFields: []string{"order_id", "pickup_name", "pickup_address"},
				DigitMap: map[string]calls.Outcome{
					"1": calls.OutcomeAccepted,
					"2": calls.OutcomeRejected,
				},
			},
		},
	}
}

func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.NoDecisionTimeout.Std() <= 0 {
		return fmt.Errorf("no_decision_timeout must be positive")
	}
	if p.Backoff.NoResponse.Std() <= 0 || p.Backoff.Busy.Std() <= 0 {
		return fmt.Errorf("backoff delays must be positive")
	}
	if len(p.CallTypes) == 0 {
		return fmt.Errorf("at least one call_type is required")
	}
	for ct, cp := range p.CallTypes {
		if len(cp.DigitMap) == 0 && !cp.ValueEntry {
			return fmt.Errorf("call_type %s: digit_map or value_entry required", ct)
		}
		for digit, out := range cp.DigitMap {
			if out != calls.OutcomeAccepted && out != calls.OutcomeRejected {
				return fmt.Errorf("call_type %s: digit %q maps to unsupported outcome %q", ct, digit, out)
			}
		}
		if cp.ValueEntry && cp.ValueMin > cp.ValueMax {
			return fmt.Errorf("call_type %s: value_min > value_max", ct)
		}
	}
	return nil
}

// ForType resolves the policy for a callType once, at initiation.
func (p *Policy) ForType(ct calls.CallType) (CallPolicy, bool) {
	cp, ok := p.CallTypes[ct]
	return cp, ok
}

// BackoffFor returns the retry delay for a retry-eligible failure cause.
func (p *Policy) BackoffFor(cause calls.Status) (time.Duration, bool) {
	switch cause {
	case calls.StatusNoResponse:
		return p.Backoff.NoResponse.Std(), true
	case calls.StatusBusy:
		return p.Backoff.Busy.Std(), true
	default:
		return 0, false
	}
}

// Interpret maps a raw DTMF sequence to a decision for the given callType.
// Unmapped sequences return ok=false and cause no transition; the IVR layer
// is expected to re-prompt.
func (p *Policy) Interpret(ct calls.CallType, rawDigits string) (calls.Decision, bool) {
	cp, ok := p.CallTypes[ct]
	if !ok {
		return calls.Decision{}, false
	}

	digits := CleanDigits(rawDigits)
	if digits == "" {
		return calls.Decision{}, false
	}

	if out, ok := cp.DigitMap[digits]; ok {
		d := calls.Decision{Outcome: out}
		if out == calls.OutcomeRejected {
			d.Reason = calls.ReasonOther
		}
		return d, true
	}

	// Rejection with an optional reason follow-digit, e.g. "03". This branch
	// runs before value entry, so a two-digit sequence whose first digit maps
	// to REJECTED ("25") is a rejection with a reason, never a value.
	if len(digits) == 2 {
		if out, ok := cp.DigitMap[digits[:1]]; ok && out == calls.OutcomeRejected {
			reason, ok := cp.ReasonMap[digits[1:]]
			if !ok {
				reason = calls.ReasonOther
			}
			return calls.Decision{Outcome: calls.OutcomeRejected, Reason: reason}, true
		}
	}

	if cp.ValueEntry && len(digits) <= 2 && isNumeric(digits) {
		v := 0
		for _, r := range digits {
			v = v*10 + int(r-'0')
		}
		if v < cp.ValueMin {
			v = cp.ValueMin
		}
		if v > cp.ValueMax {
			v = cp.ValueMax
		}
		return calls.Decision{Outcome: calls.OutcomeValueSet, Value: v}, true
	}

	return calls.Decision{}, false
}

// CleanDigits strips the quoting and terminator noise providers wrap around
// DTMF payloads ('"15#"' -> "15").
func CleanDigits(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, `"`, "")
	s = strings.TrimSuffix(s, "#")
	return strings.TrimSpace(s)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
