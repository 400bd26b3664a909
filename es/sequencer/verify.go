package sequencer

import (
	"context"
	"fmt"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

// Missing is the ChainError.Got value reported when an event number is absent.
const Missing int64 = -1

const verifyPageSize = 500

// ChainError reports where the event log stops forming one chain.
type ChainError struct {
	// At is the event number at which the chain breaks
	At int64

	// Expected is the back-pointer the event at At should carry
	Expected int64

	// Got is the back-pointer found, or Missing when no event carries At
	Got int64
}

func (e *ChainError) Error() string {
	if e.Got == Missing {
		return fmt.Sprintf("event chain broken: event number %d is missing", e.At)
	}
	return fmt.Sprintf("event chain broken at event number %d: previous event number is %d, expected %d",
		e.At, e.Got, e.Expected)
}

// Unwrap makes a ChainError match es.ErrSequencingInvariant.
func (e *ChainError) Unwrap() error {
	return es.ErrSequencingInvariant
}

// VerifyChain walks the linked events after from up to and including
// through and checks that every event number follows its predecessor and
// points back at it. through <= 0 verifies up to the highest sequenced
// event. A nil error means the range forms an unbroken chain.
func VerifyChain(ctx context.Context, tx es.DBTX, log store.EventLog, from, through int64) (checked int64, err error) {
	highest, err := log.SequencedMax(ctx, tx)
	if err != nil {
		return 0, err
	}
	if through <= 0 || through > highest {
		through = highest
	}

	previous := from
	for previous < through {
		if err := ctx.Err(); err != nil {
			return checked, err
		}

		page, err := log.ReadLinked(ctx, tx, previous, through, verifyPageSize)
		if err != nil {
			return checked, err
		}
		if len(page) == 0 {
			return checked, &ChainError{At: previous + 1, Expected: previous, Got: Missing}
		}

		for i := range page {
			e := &page[i]
			if e.EventNumber != previous+1 {
				return checked, &ChainError{At: previous + 1, Expected: previous, Got: Missing}
			}
			if e.PreviousEventNumber != previous {
				return checked, &ChainError{At: e.EventNumber, Expected: previous, Got: e.PreviousEventNumber}
			}
			previous = e.EventNumber
			checked++
		}
	}
	return checked, nil
}
