package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("settlement: exercise 3: %w", ErrNotInTheMoney)
	assert.Equal(t, "not_in_the_money", ErrorCode(wrapped))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))

	for _, ec := range errorCodes {
		assert.Same(t, ec.err, ErrorFromCode(ErrorCode(ec.err)))
	}
	assert.Nil(t, ErrorFromCode("nope"))
}
