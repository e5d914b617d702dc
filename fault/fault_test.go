// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fault

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		f    Fault
		want int
	}{
		{ACCEPT, http.StatusOK},
		{EXISTS, http.StatusOK},
		{INVALID, http.StatusBadRequest},
		{AUTH, http.StatusForbidden},
		{STATE, http.StatusNotFound},
		{EVENT, http.StatusNotFound},
		{GENERAL, http.StatusInternalServerError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.f.HTTPStatus(), c.f.String())
	}
}

func TestRecoverableFatal(t *testing.T) {
	require.True(t, EXISTS.Recoverable())
	require.True(t, AUTH.Recoverable())
	require.False(t, GENERAL.Recoverable())
	require.False(t, ACCEPT.Recoverable())
	require.True(t, GENERAL.Fatal())
	require.False(t, INVALID.Fatal())
}

func TestMaskHas(t *testing.T) {
	mask := EXISTS | AUTH
	require.True(t, mask.Has(EXISTS))
	require.True(t, mask.Has(AUTH))
	require.False(t, mask.Has(INVALID))
}

func TestRaisedAs(t *testing.T) {
	err := New(AUTH, "auth_events[0] unreachable")
	f, ok := As(err)
	require.True(t, ok)
	require.Equal(t, AUTH, f)
	require.Contains(t, err.Error(), "auth_events[0] unreachable")

	wrapped := Wrap(errors.New("db closed"), "commit failed")
	f2, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, GENERAL, f2)
	require.ErrorIs(t, wrapped, wrapped.Unwrap())

	_, ok = As(errors.New("plain"))
	require.False(t, ok)
}

func TestStringMultiCase(t *testing.T) {
	require.Equal(t, "ACCEPT", ACCEPT.String())
	require.Equal(t, "EXISTS|AUTH", (EXISTS | AUTH).String())
}
