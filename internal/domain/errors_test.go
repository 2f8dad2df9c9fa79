package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
		want bool
	}{
		{name: "fetch", err: fmt.Errorf("memory: %w", ErrFetch), is: IsFetch, want: true},
		{name: "order not found", err: ErrOrderNotFound, is: IsNotFound, want: true},
		{name: "line not found", err: ErrLineNotFound, is: IsNotFound, want: true},
		{name: "already activated", err: ErrOrderAlreadyActivated, is: IsWriteConflict, want: true},
		{name: "duplicate line", err: ErrDuplicateLine, is: IsWriteConflict, want: true},
		{name: "entry id required", err: ErrEntryIDRequired, is: IsValidation, want: true},
		{name: "total mismatch", err: ErrTotalMismatch, is: IsValidation, want: true},
		{name: "joined validation", err: errors.Join(ErrQuantityInvalid, errors.New("extra")), is: IsValidation, want: true},
		{name: "locked", err: fmt.Errorf("select: %w", ErrLockedState), is: IsLocked, want: true},
		{name: "conflict is not validation", err: ErrOrderAlreadyActivated, is: IsValidation, want: false},
		{name: "validation is not conflict", err: ErrUnknownEntry, is: IsWriteConflict, want: false},
		{name: "nil", err: nil, is: IsFetch, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.is(tt.err); got != tt.want {
				t.Errorf("check(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
