package errutil

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errOutOfStock = Sentinel(StatusConflict, "OUT_OF_STOCK", "reward is out of stock")

func TestSentinelMatchesAfterDecoration(t *testing.T) {
	cause := errors.New("row locked")
	err := error(errOutOfStock.With(WithErr(cause), WithDetails(Detail{Field: "reward_id", Message: "42"})))

	require.ErrorIs(t, err, errOutOfStock)
	require.ErrorIs(t, err, cause)
	require.Empty(t, errOutOfStock.Details)

	other := Sentinel(StatusConflict, "ALREADY_CLAIMED", "already claimed")
	require.NotErrorIs(t, err, other)
}

func TestTransient(t *testing.T) {
	require.NoError(t, Transient("db", nil))

	err := Transient("ledger unavailable", errors.New("connection refused"))
	require.True(t, IsTransient(err))

	var be BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "TRANSIENT", be.Reason)
	require.Equal(t, http.StatusServiceUnavailable, be.Code.HTTPStatus())

	// domain errors pass through untouched
	require.Equal(t, error(errOutOfStock), Transient("ledger unavailable", errOutOfStock))
	require.False(t, IsTransient(errOutOfStock))
}

func TestJSON(t *testing.T) {
	body := errOutOfStock.JSON().(map[string]interface{})["error"].(map[string]interface{})
	require.Equal(t, StatusConflict, body["code"])
	require.Equal(t, "OUT_OF_STOCK", body["reason"])
}

func TestToGRPCError(t *testing.T) {
	require.NoError(t, ToGRPCError(nil))

	cases := []struct {
		err  error
		code codes.Code
	}{
		{errOutOfStock, codes.AlreadyExists},
		{Transient("db", errors.New("down")), codes.Unavailable},
		{BadRequest("bad", nil), codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.NotFound, "missing"), codes.NotFound},
	}
	for _, tc := range cases {
		st, ok := status.FromError(ToGRPCError(tc.err))
		require.True(t, ok)
		require.Equal(t, tc.code, st.Code(), tc.err.Error())
	}

	st, _ := status.FromError(ToGRPCError(Transient("db", errors.New("secret dsn"))))
	require.NotContains(t, st.Message(), "secret dsn")
}
