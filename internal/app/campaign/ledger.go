package campaign

import (
	"errors"
	"strings"
	"time"
)

// Campaign statuses. The transition is one-way: open campaigns close when
// accepted_count reaches capacity or when a coordinator closes them; a closed
// campaign never reopens, even if a prior yes is later flipped to no.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// RSVP responses.
const (
	ResponseYes = "yes"
	ResponseNo  = "no"
)

var (
	ErrNotFound        = errors.New("campaign not found")
	ErrInvalidResponse = errors.New("response must be yes or no")
)

// Campaign is a capacity-limited invitation. Capacity is immutable after
// creation; AcceptedCount and Status are mutated only through ApplyRSVP.
type Campaign struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Text          string    `json:"text,omitempty"`
	MediaURLs     []string  `json:"media_urls,omitempty"`
	Capacity      int       `json:"capacity"`
	AcceptedCount int       `json:"accepted_count"`
	Status        string    `json:"status"`
	CoordinatorID string    `json:"coordinator_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// RemainingSlots never goes negative, even if a campaign was closed
// administratively with a count already at capacity.
func (c Campaign) RemainingSlots() int {
	if remaining := c.Capacity - c.AcceptedCount; remaining > 0 {
		return remaining
	}
	return 0
}

// RSVPRecord is a contact's latest response to one campaign. At most one
// record exists per (campaign, contact); a later response overwrites it.
type RSVPRecord struct {
	ContactID   string    `json:"contact_id"`
	Response    string    `json:"response"`
	RespondedAt time.Time `json:"responded_at"`
}

// Outcome is the result of one RSVP transaction. A rejected yes on a full
// campaign is a valid terminal outcome, not an error.
type Outcome struct {
	Accepted       bool   `json:"accepted"`
	RemainingSlots int    `json:"remaining_slots"`
	Status         string `json:"status"`
}

// NormalizeResponse canonicalizes a client-supplied response value.
func NormalizeResponse(response string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(response)) {
	case ResponseYes:
		return ResponseYes, nil
	case ResponseNo:
		return ResponseNo, nil
	default:
		return "", ErrInvalidResponse
	}
}

// applyRSVP is the capacity ledger's decision function. It mutates c
// (accepted count and status only) and returns the outcome plus the RSVP
// record to upsert, nil when no record write is needed. Stores call it inside
// their atomic read-modify-write primitive so that concurrent responses to
// the same campaign serialize.
//
// Rules, in order:
//   - a closed campaign absorbs every response without mutation
//   - "no" records the response and never touches the accepted count, even
//     when it overwrites a prior "yes" (capacity counts ever-accepted slots)
//   - a repeated "yes" is a no-op and reports accepted again
//   - "yes" on a full campaign closes it and is rejected
//   - a fresh "yes" with room takes a slot and closes the campaign when the
//     slot was the last one
func applyRSVP(c *Campaign, prev *RSVPRecord, contactID, response string, now time.Time) (Outcome, *RSVPRecord) {
	if c.Status != StatusOpen {
		return Outcome{Accepted: false, RemainingSlots: c.RemainingSlots(), Status: c.Status}, nil
	}

	record := &RSVPRecord{ContactID: contactID, Response: response, RespondedAt: now}

	if response == ResponseNo {
		return Outcome{Accepted: false, RemainingSlots: c.RemainingSlots(), Status: c.Status}, record
	}

	if prev != nil && prev.Response == ResponseYes {
		return Outcome{Accepted: true, RemainingSlots: c.RemainingSlots(), Status: c.Status}, nil
	}

	if c.AcceptedCount >= c.Capacity {
		c.Status = StatusClosed
		return Outcome{Accepted: false, RemainingSlots: 0, Status: StatusClosed}, nil
	}

	c.AcceptedCount++
	if c.AcceptedCount >= c.Capacity {
		c.Status = StatusClosed
	}
	return Outcome{Accepted: true, RemainingSlots: c.RemainingSlots(), Status: c.Status}, record
}
