package core

// ChipEvent is one event of a chip authentication attempt. An attempt emits
// card attachment changes, progress, zero or more PIN requests and exactly one
// terminal ChipSucceeded or ChipFailed.
type ChipEvent interface {
	chipEvent()
}

// CardAttachedChanged reports the card entering or leaving the reader field
type CardAttachedChanged struct {
	Attached bool
}

// StatusProgress reports reading progress in percent
type StatusProgress struct {
	Progress int
}

// PinRequest suspends the attempt until a PIN is sent on Response
type PinRequest struct {
	Response chan<- string
}

// ChipSucceeded is the terminal success carrying the refresh URL
type ChipSucceeded struct {
	RefreshURL string
}

// ChipFailed is the terminal failure
type ChipFailed struct {
	Reason ChipAuthReason
	Err    error
}

func (CardAttachedChanged) chipEvent() {}
func (StatusProgress) chipEvent()      {}
func (PinRequest) chipEvent()          {}
func (ChipSucceeded) chipEvent()       {}
func (ChipFailed) chipEvent()          {}
