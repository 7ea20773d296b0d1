package domain

import (
	"github.com/shopspring/decimal"
)

// Option is one selectable answer of a poll.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PollStatus is the lifecycle state pushed to poll rooms.
type PollStatus string

const (
	PollStatusActive PollStatus = "active"
	PollStatusClosed PollStatus = "closed"
)

// OptionCount is the number of votes recorded for one option.
type OptionCount struct {
	OptionID string
	Votes    int64
}

// Tally is a snapshot of a poll's votes as read from the vote store.
// Options are in display order and include options without votes.
type Tally struct {
	PollID  string
	Options []OptionCount

	// TotalVotes counts every vote of the poll, including votes that do not
	// select an option (rating or free text polls).
	TotalVotes int64
}

// VoteBreakdown is the share of a poll's votes held by one option.
type VoteBreakdown struct {
	OptionID   string  `json:"optionId"`
	VoteCount  int64   `json:"voteCount"`
	Percentage float64 `json:"percentage"`
}

var hundred = decimal.NewFromInt(100)

// Breakdown computes the per-option percentages of the tally.
// Percentages are relative to the votes cast for options, so they add up to 100
// whenever at least one option has a vote, and are all zero otherwise.
func (t Tally) Breakdown() []VoteBreakdown {
	var optioned int64
	for _, o := range t.Options {
		optioned += o.Votes
	}

	out := make([]VoteBreakdown, 0, len(t.Options))
	for _, o := range t.Options {
		b := VoteBreakdown{OptionID: o.OptionID, VoteCount: o.Votes}
		if optioned > 0 {
			b.Percentage = decimal.NewFromInt(o.Votes).
				Div(decimal.NewFromInt(optioned)).
				Mul(hundred).
				InexactFloat64()
		}
		out = append(out, b)
	}

	return out
}

// Count returns the votes of a single option, zero if the option is unknown.
func (t Tally) Count(optionID string) int64 {
	for _, o := range t.Options {
		if o.OptionID == optionID {
			return o.Votes
		}
	}
	return 0
}
