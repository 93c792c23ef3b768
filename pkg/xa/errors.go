package xa

import "errors"

var (
	// ErrNotBegun is returned when the coordinator has no shared timestamp yet
	ErrNotBegun = errors.New("distributed transaction not begun")

	// ErrAlreadyBegun is returned when Begin is called twice
	ErrAlreadyBegun = errors.New("distributed transaction already begun")

	// ErrNoParticipants is returned when committing with no enlistments
	ErrNoParticipants = errors.New("no participants enlisted")

	// ErrParticipantEnlisted is returned when enlisting a duplicate participant
	ErrParticipantEnlisted = errors.New("participant already enlisted")

	// ErrAlreadyDecided is returned when the coordinator already reached a decision
	ErrAlreadyDecided = errors.New("distributed transaction already decided")

	// ErrPrepareFailed is returned when any participant's vote fails
	ErrPrepareFailed = errors.New("prepare phase failed")
)
