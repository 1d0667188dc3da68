package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestMessageStatus_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusRead, StatusRead, false},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusSent, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
				t.Errorf("CanAdvanceTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError_Is(t *testing.T) {
	err := fmt.Errorf("submit: %w", Invalid("content", "must not be empty"))
	if !errors.Is(err, ErrValidation) {
		t.Fatal("wrapped ValidationError should match ErrValidation")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "content" {
		t.Fatalf("errors.As failed or wrong field: %+v", ve)
	}
}

func TestRoom_Clone(t *testing.T) {
	r := &Room{ID: "r1", Participants: []Participant{{UserID: "a"}}}
	c := r.Clone()
	c.Participants[0].UserID = "b"
	if r.Participants[0].UserID != "a" {
		t.Error("Clone must not share the participants slice")
	}
	if !r.HasParticipant("a") || r.HasParticipant("b") {
		t.Error("HasParticipant mismatch")
	}
}
