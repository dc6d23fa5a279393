package gateway

import "time"

// EventType identifies one publication rule. The config rule set for a
// sensor is any non-empty subset of these, combined additively.
type EventType int

const (
	EventTime EventType = 1 << iota
	EventChange
	EventUpperThreshold
	EventLowerThreshold
)

// Rule is one entry in a sensor's config rule set.
type Rule struct {
	Type EventType

	// TimeSec is the minimum elapsed interval, in seconds, since the last
	// publication. Meaningful only when Type&EventTime != 0.
	TimeSec int

	// Bound is the threshold compared against the current value. Meaningful
	// only when Type&(EventUpperThreshold|EventLowerThreshold) != 0.
	Bound Value
}

// Config is a sensor's publication rule set plus the bookkeeping the
// evaluator needs to detect threshold edges and elapsed time.
type Config struct {
	Rules []Rule

	lastPublished time.Time
	prevValue     Value
	havePrev      bool
}

// Decision is the change evaluator's verdict for one tick.
type Decision int

const (
	DecisionHold    Decision = 0
	DecisionPublish Decision = 1
	DecisionInvalid Decision = -1
)

// Evaluate decides whether a freshly read value warrants publication.
// lastSent is the last-sent value (not the last-read value); rules are additive:
// any single rule voting to publish wins. Threshold rules are edge
// triggered on prev (the previous current value observed by the evaluator,
// tracked internally in cfg), not on the last-sent value.
func Evaluate(cfg *Config, current, lastSent Value, now time.Time) Decision {
	if cfg == nil || len(cfg.Rules) == 0 {
		return DecisionInvalid
	}

	publish := false
	for _, r := range cfg.Rules {
		switch {
		case r.Type&EventTime != 0:
			if cfg.lastPublished.IsZero() || now.Sub(cfg.lastPublished) >= time.Duration(r.TimeSec)*time.Second {
				publish = true
			}
		case r.Type&EventChange != 0:
			if !current.Equal(lastSent) {
				publish = true
			}
		case r.Type&EventUpperThreshold != 0:
			if cfg.havePrev && current.GreaterOrEqual(r.Bound) && cfg.prevValue.Less(r.Bound) {
				publish = true
			}
		case r.Type&EventLowerThreshold != 0:
			if cfg.havePrev && current.LessOrEqual(r.Bound) && !cfg.prevValue.LessOrEqual(r.Bound) {
				publish = true
			}
		default:
			return DecisionInvalid
		}
	}

	cfg.prevValue = current
	cfg.havePrev = true

	if publish {
		cfg.lastPublished = now
		return DecisionPublish
	}
	return DecisionHold
}
