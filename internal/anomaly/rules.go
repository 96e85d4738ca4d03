package anomaly

import (
	"fmt"
	"sort"
	"time"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
)

const maxEventsPerUser = 10_000

// observation is the part of an Event kept in a user's history.
type observation struct {
	tool      string
	at        time.Time
	cpu       float64
	hasCPU    bool
	memory    float64
	hasMemory bool
}

func observe(ev Event) observation {
	o := observation{tool: ev.ToolName, at: ev.Timestamp}
	if v, ok := ev.ResourceUsage["cpu"]; ok {
		o.cpu, o.hasCPU = v, true
	}
	if v, ok := ev.ResourceUsage["memory"]; ok {
		o.memory, o.hasMemory = v, true
	}
	return o
}

// userState is everything tracked for one user.
type userState struct {
	history        []observation
	baseline       *Baseline
	lastUsageAlert time.Time
}

func (u *userState) add(o observation) {
	u.history = append(u.history, o)
	if len(u.history) > maxEventsPerUser {
		u.history = append(u.history[:0:0], u.history[len(u.history)-maxEventsPerUser:]...)
	}
}

// prune drops observations older than cutoff.
func (u *userState) prune(cutoff time.Time) {
	i := 0
	for i < len(u.history) && u.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		u.history = append(u.history[:0:0], u.history[i:]...)
	}
}

// candidate is an anomaly before it is assigned an id.
type candidate struct {
	typ         Type
	severity    risk.Level
	description string
}

func checkParameters(ev Event) []candidate {
	if ev.Parameters == nil {
		return nil
	}
	a := risk.Assess(ev.ToolName, ev.Parameters)
	var out []candidate
	if a.Has(risk.FactorPathTraversal) {
		out = append(out, candidate{TypeParameterPattern, risk.LevelHigh,
			fmt.Sprintf("directory traversal in parameters of %s", ev.ToolName)})
	}
	if a.Has(risk.FactorCommandInjection) {
		out = append(out, candidate{TypeParameterPattern, risk.LevelCritical,
			fmt.Sprintf("command injection in parameters of %s", ev.ToolName)})
	}
	if a.Has(risk.FactorDestructiveCommand) {
		out = append(out, candidate{TypeParameterPattern, risk.LevelCritical,
			fmt.Sprintf("destructive command in parameters of %s", ev.ToolName)})
	}
	return out
}

// checkUsage counts invocations in the minute ending at ev. It fires at most
// once per user per minute.
func checkUsage(u *userState, ev Event, t Thresholds) []candidate {
	if ev.ToolName == "" {
		return nil
	}
	windowStart := ev.Timestamp.Add(-time.Minute)
	count := 0
	for i := len(u.history) - 1; i >= 0; i-- {
		o := u.history[i]
		if !o.at.After(windowStart) {
			break
		}
		if o.tool != "" && !o.at.After(ev.Timestamp) {
			count++
		}
	}
	if count <= t.MaxToolsPerMinute {
		return nil
	}
	if !u.lastUsageAlert.IsZero() && ev.Timestamp.Sub(u.lastUsageAlert) < time.Minute {
		return nil
	}
	u.lastUsageAlert = ev.Timestamp

	severity := risk.LevelMedium
	if count > 2*t.MaxToolsPerMinute {
		severity = risk.LevelHigh
	}
	return []candidate{{TypeUsagePattern, severity,
		fmt.Sprintf("user %s made %d tool calls in one minute (limit %d)", ev.UserID, count, t.MaxToolsPerMinute)}}
}

func established(b *Baseline, t Thresholds) bool {
	return b != nil && b.EventCount >= t.MinBaselineEvents
}

func checkTemporal(b *Baseline, ev Event, t Thresholds) []candidate {
	if !established(b, t) || len(b.TypicalHours) == 0 {
		return nil
	}
	hour := ev.Timestamp.Hour()
	nearest := 24
	for _, h := range b.TypicalHours {
		d := hour - h
		if d < 0 {
			d = -d
		}
		if 24-d < d {
			d = 24 - d
		}
		if d < nearest {
			nearest = d
		}
	}
	if nearest <= t.TemporalHourDistance {
		return nil
	}
	return []candidate{{TypeTemporalPattern, risk.LevelMedium,
		fmt.Sprintf("activity at %02d:00 is %d hours from the usual pattern", hour, nearest)}}
}

func checkResources(b *Baseline, o observation, t Thresholds) []candidate {
	if !established(b, t) {
		return nil
	}
	var out []candidate
	if o.hasCPU && b.AvgCPU > 0 &&
		o.cpu >= t.ResourceSpikeRatio*b.AvgCPU && o.cpu-b.AvgCPU >= minCPUSpikePoints {
		out = append(out, candidate{TypeResourcePattern, risk.LevelHigh,
			fmt.Sprintf("cpu usage %.1f%% against a baseline of %.1f%%", o.cpu, b.AvgCPU)})
	}
	if o.hasMemory && b.AvgMemory > 0 && o.memory >= t.ResourceSpikeRatio*b.AvgMemory {
		out = append(out, candidate{TypeResourcePattern, risk.LevelMedium,
			fmt.Sprintf("memory usage %.1f MB against a baseline of %.1f MB", o.memory, b.AvgMemory)})
	}
	return out
}

func checkBehavior(b *Baseline, ev Event, t Thresholds) []candidate {
	if !established(b, t) || ev.ToolName == "" || b.usesTool(ev.ToolName) {
		return nil
	}
	return []candidate{{TypeBehavioralPattern, risk.LevelLow,
		fmt.Sprintf("tool %s is not part of the usual toolset", ev.ToolName)}}
}

// computeBaseline summarizes the observations at or after since. It returns
// nil when there are fewer than minEvents.
func computeBaseline(history []observation, since, now time.Time, minEvents int) *Baseline {
	tools := make(map[string]struct{})
	hours := make(map[int]struct{})
	var cpuSum, memSum float64
	var cpuN, memN, total int
	for _, o := range history {
		if o.at.Before(since) {
			continue
		}
		total++
		if o.tool != "" {
			tools[o.tool] = struct{}{}
		}
		hours[o.at.Hour()] = struct{}{}
		if o.hasCPU {
			cpuSum += o.cpu
			cpuN++
		}
		if o.hasMemory {
			memSum += o.memory
			memN++
		}
	}
	if total < minEvents || total == 0 {
		return nil
	}

	b := &Baseline{EventCount: total, ComputedAt: now}
	for tool := range tools {
		b.CommonTools = append(b.CommonTools, tool)
	}
	sort.Strings(b.CommonTools)
	for h := range hours {
		b.TypicalHours = append(b.TypicalHours, h)
	}
	sort.Ints(b.TypicalHours)
	if cpuN > 0 {
		b.AvgCPU = cpuSum / float64(cpuN)
	}
	if memN > 0 {
		b.AvgMemory = memSum / float64(memN)
	}
	return b
}
