package models

import (
	"slices"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/monitor"
	"github.com/jmylchreest/refyne-bypass/internal/strategy"
)

// HostView is the inspection form of monitor.HostStats. Cookie values are
// withheld; only names are reported.
type HostView struct {
	Host                string     `json:"host"`
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	AverageDurationMs   int64      `json:"averageDurationMs"`
	LastUserAgent       string     `json:"lastUserAgent,omitempty"`
	LastCookieNames     []string   `json:"lastCookieNames,omitempty"`
	LastChallengeType   string     `json:"lastChallengeType,omitempty"`
	OptimalStrategy     string     `json:"optimalStrategy"`
	SuggestedWaitMs     int64      `json:"suggestedWaitMs"`
	FirstSeen           time.Time  `json:"firstSeen"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
}

// HostFrom builds a view of s with the monitor's current recommendation.
func HostFrom(s monitor.HostStats, optimal strategy.Strategy, wait time.Duration) HostView {
	v := HostView{
		Host:                s.Host,
		SuccessCount:        s.SuccessCount,
		FailureCount:        s.FailureCount,
		ConsecutiveFailures: s.ConsecutiveFailures,
		AverageDurationMs:   s.AverageDuration.Milliseconds(),
		LastUserAgent:       s.LastUserAgent,
		LastChallengeType:   s.LastChallengeType,
		OptimalStrategy:     string(optimal),
		SuggestedWaitMs:     wait.Milliseconds(),
		FirstSeen:           s.FirstSeen,
	}
	for name := range s.LastCookies {
		v.LastCookieNames = append(v.LastCookieNames, name)
	}
	slices.Sort(v.LastCookieNames)
	if !s.LastSuccessAt.IsZero() {
		t := s.LastSuccessAt
		v.LastSuccessAt = &t
	}
	if !s.LastFailureAt.IsZero() {
		t := s.LastFailureAt
		v.LastFailureAt = &t
	}
	return v
}
