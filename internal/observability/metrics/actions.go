package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type actionKey struct {
	action string
	status string
}

type actionCollector struct {
	mu       sync.Mutex
	outcomes map[actionKey]uint64
	latency  map[string]*histogram
}

var actionMetrics = &actionCollector{
	outcomes: make(map[actionKey]uint64),
	latency:  make(map[string]*histogram),
}

// ObserveActionOutcome records the result and duration of a lending action.
func ObserveActionOutcome(action, status string, duration time.Duration) {
	actionMetrics.observe(action, status, duration)
}

func (c *actionCollector) observe(action, status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[actionKey{action: action, status: status}]++

	hist := c.latency[action]
	if hist == nil {
		hist = newHistogram()
		c.latency[action] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *actionCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type outcomeMetric struct {
		actionKey
		value uint64
	}
	outcomes := make([]outcomeMetric, 0, len(c.outcomes))
	for key, value := range c.outcomes {
		outcomes = append(outcomes, outcomeMetric{actionKey: key, value: value})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].action == outcomes[j].action {
			return outcomes[i].status < outcomes[j].status
		}
		return outcomes[i].action < outcomes[j].action
	})

	actions := make([]string, 0, len(c.latency))
	for action := range c.latency {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP olend_action_outcomes_total Total number of lending action executions by result.\n")
	builder.WriteString("# TYPE olend_action_outcomes_total counter\n")
	for _, metric := range outcomes {
		builder.WriteString(fmt.Sprintf("olend_action_outcomes_total{action=\"%s\",status=\"%s\"} %d\n",
			escape(metric.action), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP olend_action_duration_seconds Lending action execution duration in seconds.\n")
	builder.WriteString("# TYPE olend_action_duration_seconds histogram\n")
	for _, action := range actions {
		hist := c.latency[action]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("olend_action_duration_seconds_bucket{action=\"%s\",le=\"%s\"} %d\n",
				escape(action), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("olend_action_duration_seconds_bucket{action=\"%s\",le=\"+Inf\"} %d\n",
			escape(action), hist.count))
		builder.WriteString(fmt.Sprintf("olend_action_duration_seconds_sum{action=\"%s\"} %s\n",
			escape(action), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("olend_action_duration_seconds_count{action=\"%s\"} %d\n",
			escape(action), hist.count))
	}

	return builder.String()
}
