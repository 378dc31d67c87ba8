package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusByKind(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrInvalidAddress, http.StatusOK},
		{ErrTxNotFound, http.StatusOK},
		{ErrInvalidAPIKey, http.StatusForbidden},
		{ErrSuspended, http.StatusForbidden},
		{ErrCommandDisabled, http.StatusForbidden},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrNoPoolID, http.StatusBadRequest},
		{ErrInvalidAddress.WithStatus(http.StatusBadRequest), http.StatusBadRequest},
		{errors.New("plain"), http.StatusOK},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), "%v", tc.err)
	}
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("getTopTokens: %w", ErrInternal.Wrap(cause))

	assert.True(t, Is(err, Internal))
	assert.False(t, Is(err, Validation))
	assert.True(t, errors.Is(err, ErrInternal))
	assert.True(t, errors.Is(err, cause))

	custom := ErrCommandDisabled.WithMessage("Route %s disabled for this API key", "getTopTokens")
	assert.True(t, errors.Is(custom, ErrCommandDisabled))
	assert.Equal(t, "Route getTopTokens disabled for this API key", custom.Message)
	assert.Equal(t, "Route disabled for this API key", ErrCommandDisabled.Message, "base value mutated")
}

func TestAsMapsUnclassifiedToInternal(t *testing.T) {
	fe := As(errors.New("boom"))
	require.NotNil(t, fe)
	assert.Equal(t, Internal, fe.Kind)
	assert.Equal(t, 106, fe.Code)

	p := ToPayload(ErrInvalidTxHash)
	assert.Equal(t, 102, p.Error.Code)
	assert.Equal(t, "Invalid transaction hash format", p.Error.Message)
}
