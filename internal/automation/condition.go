package automation

import (
	"fmt"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/device"
)

// evaluate decides a condition for a target device. A nil condition is
// always true. Missing data makes a condition false, not an error.
func evaluate(c *Condition, target string, reg device.StateReader, now time.Time) (bool, error) {
	if c == nil {
		return true, nil
	}

	id := c.DeviceID
	if id == "" {
		id = target
	}

	switch c.Kind {
	case CondAlways:
		return true, nil

	case CondMetric:
		latest, ok := reg.Latest(id, c.Metric)
		if !ok {
			return false, nil
		}
		if c.Bound != nil {
			return c.Operator.Compare(latest.Value, *c.Bound)
		}
		if c.Min != nil && latest.Value < *c.Min {
			return false, nil
		}
		if c.Max != nil && latest.Value > *c.Max {
			return false, nil
		}
		return true, nil

	case CondOnline:
		return reg.Classify(id, now) == device.Online, nil

	case CondOffline:
		return reg.Classify(id, now) == device.Offline, nil

	case CondStatusEquals:
		v, ok := reg.StatusValue(id, c.Key)
		if !ok {
			return false, nil
		}
		return valuesEqual(v, c.Value), nil

	case CondAll:
		for i := range c.Conditions {
			ok, err := evaluate(&c.Conditions[i], target, reg, now)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case CondAny:
		for i := range c.Conditions {
			ok, err := evaluate(&c.Conditions[i], target, reg, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case CondNot:
		if len(c.Conditions) != 1 {
			return false, fmt.Errorf("%w: not takes exactly one condition", ErrInvalidCondition)
		}
		ok, err := evaluate(&c.Conditions[0], target, reg, now)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, fmt.Errorf("%w: kind %q is invalid", ErrInvalidCondition, string(c.Kind))
	}
}

// valuesEqual compares decoded JSON scalars. Numbers compare by value
// regardless of their Go type.
func valuesEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
