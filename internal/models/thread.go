package models

import "time"

// Thread is a conversation: the UIDs of its member messages within one
// mailbox, and the date of its newest known member.
type Thread struct {
	ID       string    `json:"id"`
	Messages []uint32  `json:"messages"`
	Date     time.Time `json:"date"`
}
