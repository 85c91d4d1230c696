package governor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emberworks/fabric/pkg/models"
)

// Condition is one parsed breaker rule condition: a single numeric
// comparison against a collected metric.
type Condition struct {
	raw     string
	metric  func(m *models.AutonomyMetrics) float64
	op      string
	operand float64
}

// criticalIncidentShape matches the legacy rule form
// `incident.severity === "critical"`, which triggers when any critical
// incident exists in the window.
const criticalIncidentShape = `incident.severity === "critical"`

// metricSelectors maps normalized left-hand names to snapshot fields.
// Names are matched after lowercasing and stripping underscores and dots,
// so "rollback_rate", "rollbackRate", and "rates.rollbackRate" all land on
// the same selector.
var metricSelectors = map[string]func(m *models.AutonomyMetrics) float64{
	"errorrate":            func(m *models.AutonomyMetrics) float64 { return m.Rates.ErrorRate },
	"rollbackrate":         func(m *models.AutonomyMetrics) float64 { return m.Rates.RollbackRate },
	"successrate":          func(m *models.AutonomyMetrics) float64 { return m.Rates.SuccessRate },
	"approvalrate":         func(m *models.AutonomyMetrics) float64 { return m.Rates.ApprovalRate },
	"incidentscritical":    func(m *models.AutonomyMetrics) float64 { return float64(m.Incidents.Critical) },
	"incidentstotal":       func(m *models.AutonomyMetrics) float64 { return float64(m.Incidents.Total) },
	"commandtypefailures":  func(m *models.AutonomyMetrics) float64 { return float64(m.Commands.Failed) },
	"commandsfailed":       func(m *models.AutonomyMetrics) float64 { return float64(m.Commands.Failed) },
	"constraintviolations": func(m *models.AutonomyMetrics) float64 { return float64(m.Safety.ConstraintViolations) },
	"emergencyaborts":      func(m *models.AutonomyMetrics) float64 { return float64(m.Safety.EmergencyAborts) },
	"safetygatetriggers":   func(m *models.AutonomyMetrics) float64 { return float64(m.Safety.SafetyGateTriggers) },
}

// comparison operators in match order; two-char operators first.
var conditionOps = []string{">=", "<=", "==", ">", "<"}

// ParseCondition parses a rule condition. Unparseable conditions are the
// caller's problem: the breaker warns once and treats them as never firing.
func ParseCondition(raw string) (*Condition, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == criticalIncidentShape {
		return &Condition{
			raw:     raw,
			metric:  metricSelectors["incidentscritical"],
			op:      ">",
			operand: 0,
		}, nil
	}

	for _, op := range conditionOps {
		idx := strings.Index(trimmed, op)
		if idx < 0 {
			continue
		}
		lhs := normalizeMetricName(trimmed[:idx])
		rhs := strings.TrimSpace(trimmed[idx+len(op):])

		selector, ok := metricSelectors[lhs]
		if !ok {
			return nil, fmt.Errorf("unknown metric %q in condition %q", strings.TrimSpace(trimmed[:idx]), raw)
		}
		operand, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric operand %q in condition %q", rhs, raw)
		}
		return &Condition{raw: raw, metric: selector, op: op, operand: operand}, nil
	}
	return nil, fmt.Errorf("no comparison operator in condition %q", raw)
}

func normalizeMetricName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, ".", "")
	return s
}

// Evaluate reports whether the condition holds for the snapshot.
func (c *Condition) Evaluate(m *models.AutonomyMetrics) bool {
	v := c.metric(m)
	switch c.op {
	case ">":
		return v > c.operand
	case ">=":
		return v >= c.operand
	case "<":
		return v < c.operand
	case "<=":
		return v <= c.operand
	default:
		return v == c.operand
	}
}

// String returns the original condition text.
func (c *Condition) String() string {
	return c.raw
}
