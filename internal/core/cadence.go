package core

import (
	"fmt"
	"time"
)

// Follow-up policies. The policy controls both the cadence of follow-up
// sends and the tone/question density of the generated text.
const (
	PolicyCold = "cold"
	PolicyWarm = "warm"
	PolicyHot  = "hot"
)

// MaxFollowUpStep is the step after which a lead stops receiving
// follow-ups and moves to followup_exhausted.
const MaxFollowUpStep = 6

var cadences = map[string][]time.Duration{
	PolicyCold: {3 * 24 * time.Hour, 7 * 24 * time.Hour, 14 * 24 * time.Hour, 30 * 24 * time.Hour},
	PolicyWarm: {24 * time.Hour, 2 * 24 * time.Hour, 4 * 24 * time.Hour, 7 * 24 * time.Hour},
	PolicyHot:  {4 * time.Hour, 12 * time.Hour, 24 * time.Hour, 2 * 24 * time.Hour},
}

// ValidPolicy reports whether p names a known follow-up policy.
func ValidPolicy(p string) bool {
	_, ok := cadences[p]
	return ok
}

// CadenceInterval returns the wait before the next follow-up after
// stepSent follow-ups have gone out. Steps beyond the table reuse the
// last interval. stepSent counts from 1 (the step just sent).
func CadenceInterval(policy string, stepSent int) (time.Duration, error) {
	table, ok := cadences[policy]
	if !ok {
		return 0, fmt.Errorf("unknown follow_up_policy %q", policy)
	}
	if stepSent < 1 {
		stepSent = 1
	}
	if stepSent > len(table) {
		return table[len(table)-1], nil
	}
	return table[stepSent-1], nil
}

// NextFollowupDue computes the due time for the follow-up after the one
// just sent.
func NextFollowupDue(policy string, stepSent int, now time.Time) (time.Time, error) {
	iv, err := CadenceInterval(policy, stepSent)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(iv), nil
}
