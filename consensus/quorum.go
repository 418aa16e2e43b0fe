// Package consensus holds the tally and quorum rule for multi-verifier KYC
// decisions. Everything here is a pure function of the vote set, so the
// result does not depend on the order in which votes were recorded.
package consensus

import (
	"errors"
	"fmt"
	"sort"

	"trustbond-server/models"
)

const (
	DefaultMinVotes  = 2
	DefaultThreshold = 0.66
)

// Verdict is what a tally means under a Rule.
type Verdict int

const (
	// NotReached: too few votes, or neither side clears the threshold.
	NotReached Verdict = iota
	Verified
	Rejected
	// Indeterminate: both sides clear the threshold and approvals do not
	// strictly lead. Only reachable with Threshold <= 0.5.
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Verified:
		return "verified"
	case Rejected:
		return "rejected"
	case Indeterminate:
		return "indeterminate"
	default:
		return "not_reached"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(text []byte) error {
	switch string(text) {
	case "verified":
		*v = Verified
	case "rejected":
		*v = Rejected
	case "indeterminate":
		*v = Indeterminate
	case "not_reached", "":
		*v = NotReached
	default:
		return fmt.Errorf("unknown verdict %q", text)
	}
	return nil
}

// Status maps a decisive verdict to the terminal submission status.
func (v Verdict) Status() (models.SubmissionStatus, bool) {
	switch v {
	case Verified:
		return models.StatusVerified, true
	case Rejected:
		return models.StatusRejected, true
	}
	return models.StatusPending, false
}

type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
	Total      int `json:"total"`
}

// Count tallies votes. Rows repeating a verifier already counted are ignored,
// which keeps the tally correct even against a store without a unique index.
func Count(votes []models.Vote) Tally {
	var t Tally
	seen := make(map[string]struct{}, len(votes))
	for _, v := range votes {
		if _, ok := seen[v.VerifierID]; ok {
			continue
		}
		seen[v.VerifierID] = struct{}{}

		switch v.Decision {
		case models.DecisionApprove:
			t.Approvals++
		case models.DecisionReject:
			t.Rejections++
		default:
			continue
		}
		t.Total++
	}
	return t
}

type Rule struct {
	MinVotes  int
	Threshold float64
}

func DefaultRule() Rule {
	return Rule{MinVotes: DefaultMinVotes, Threshold: DefaultThreshold}
}

func (r Rule) Validate() error {
	if r.MinVotes < 1 {
		return errors.New("consensus: min votes must be at least 1")
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		return errors.New("consensus: threshold must be in (0, 1]")
	}
	return nil
}

// Decide applies the quorum rule: n >= MinVotes and a/n or r/n >= Threshold.
func (r Rule) Decide(t Tally) Verdict {
	if t.Total == 0 || t.Total < r.MinVotes {
		return NotReached
	}

	n := float64(t.Total)
	approve := float64(t.Approvals)/n >= r.Threshold
	reject := float64(t.Rejections)/n >= r.Threshold

	switch {
	case approve && reject:
		if t.Approvals > t.Rejections {
			return Verified
		}
		return Indeterminate
	case approve:
		return Verified
	case reject:
		return Rejected
	}
	return NotReached
}

// RejectionReason returns the note of the most recent reject vote that has
// one. Ties on CastAt are broken by verifier id so the answer is stable.
func RejectionReason(votes []models.Vote) string {
	rejects := make([]models.Vote, 0, len(votes))
	for _, v := range votes {
		if v.Decision == models.DecisionReject && v.Note != "" {
			rejects = append(rejects, v)
		}
	}
	if len(rejects) == 0 {
		return ""
	}

	sort.Slice(rejects, func(i, j int) bool {
		if !rejects[i].CastAt.Equal(rejects[j].CastAt) {
			return rejects[i].CastAt.Before(rejects[j].CastAt)
		}
		return rejects[i].VerifierID < rejects[j].VerifierID
	})
	return rejects[len(rejects)-1].Note
}
