package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type transitionKey struct {
	workflow string
	status   string
}

type stepKey struct {
	workflow string
	stepType string
}

type executionCollector struct {
	mu          sync.Mutex
	transitions map[transitionKey]uint64
	steps       map[stepKey]*histogram
}

var workflowCollector = &executionCollector{
	transitions: make(map[transitionKey]uint64),
	steps:       make(map[stepKey]*histogram),
}

// ObserveExecutionTransition counts executions entering a paused or terminal status.
func ObserveExecutionTransition(workflowID, status string) {
	workflowCollector.mu.Lock()
	defer workflowCollector.mu.Unlock()
	workflowCollector.transitions[transitionKey{workflow: workflowID, status: status}]++
}

// ObserveStepDuration records how long a workflow step took, retries included.
func ObserveStepDuration(workflowID, stepType string, duration time.Duration) {
	workflowCollector.mu.Lock()
	defer workflowCollector.mu.Unlock()

	key := stepKey{workflow: workflowID, stepType: stepType}
	hist := workflowCollector.steps[key]
	if hist == nil {
		hist = newHistogram(stepDurationBuckets())
		workflowCollector.steps[key] = hist
	}
	hist.observe(duration.Seconds())
}

func stepDurationBuckets() []float64 {
	return []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120}
}

func (c *executionCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type transitionMetric struct {
		transitionKey
		value uint64
	}
	type stepMetric struct {
		stepKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	transitions := make([]transitionMetric, 0, len(c.transitions))
	for key, value := range c.transitions {
		transitions = append(transitions, transitionMetric{transitionKey: key, value: value})
	}
	steps := make([]stepMetric, 0, len(c.steps))
	for key, hist := range c.steps {
		steps = append(steps, stepMetric{
			stepKey: key,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(transitions, func(i, j int) bool {
		if transitions[i].workflow == transitions[j].workflow {
			return transitions[i].status < transitions[j].status
		}
		return transitions[i].workflow < transitions[j].workflow
	})
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].workflow == steps[j].workflow {
			return steps[i].stepType < steps[j].stepType
		}
		return steps[i].workflow < steps[j].workflow
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentflow_workflow_executions_total Workflow executions entering a paused or terminal status.\n")
	builder.WriteString("# TYPE agentflow_workflow_executions_total counter\n")
	for _, metric := range transitions {
		builder.WriteString(fmt.Sprintf("agentflow_workflow_executions_total{workflow=\"%s\",status=\"%s\"} %d\n",
			escape(metric.workflow), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP agentflow_workflow_step_duration_seconds Workflow step duration in seconds, retries included.\n")
	builder.WriteString("# TYPE agentflow_workflow_step_duration_seconds histogram\n")
	for _, metric := range steps {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("agentflow_workflow_step_duration_seconds_bucket{workflow=\"%s\",type=\"%s\",le=\"%s\"} %d\n",
				escape(metric.workflow), escape(metric.stepType), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agentflow_workflow_step_duration_seconds_bucket{workflow=\"%s\",type=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.workflow), escape(metric.stepType), metric.count))
		builder.WriteString(fmt.Sprintf("agentflow_workflow_step_duration_seconds_sum{workflow=\"%s\",type=\"%s\"} %s\n",
			escape(metric.workflow), escape(metric.stepType), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("agentflow_workflow_step_duration_seconds_count{workflow=\"%s\",type=\"%s\"} %d\n",
			escape(metric.workflow), escape(metric.stepType), metric.count))
	}

	return builder.String()
}
