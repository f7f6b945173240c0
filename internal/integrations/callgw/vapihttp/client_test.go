package vapihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldcall/callbox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New("http://localhost", "", "pn_1")
	require.Error(t, err)

	_, err = New("http://localhost", "key", "")
	require.Error(t, err)
}

func TestPlaceCall_OK(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/call", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"call_123","status":"queued"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret", "pn_1")
	require.NoError(t, err)

	res, err := c.PlaceCall(context.Background(),
		models.Mechanic{Phone: "+15550001", DisplayName: "Joe's Garage"},
		models.TicketContext{TicketID: "T1", Issue: "flat tire"},
	)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "call_123", res.CallID)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "pn_1", gotBody["phoneNumberId"])

	customer := gotBody["customer"].(map[string]any)
	require.Equal(t, "+15550001", customer["number"])

	overrides := gotBody["assistantOverrides"].(map[string]any)
	vars := overrides["variableValues"].(map[string]any)
	require.Equal(t, "T1", vars["ticketId"])
	require.Equal(t, "flat tire", vars["issue"])
}

func TestPlaceCall_APIFailureIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Bad Request","message":["customer.number must be E.164"]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret", "pn_1")
	require.NoError(t, err)

	res, err := c.PlaceCall(context.Background(), models.Mechanic{Phone: "bad"}, models.TicketContext{TicketID: "T1"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "vapi http 400")
}

func TestPlaceCall_NetworkFailureIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // порт закрыт, запрос упадёт

	c, err := New(srv.URL, "secret", "pn_1")
	require.NoError(t, err)

	res, err := c.PlaceCall(context.Background(), models.Mechanic{Phone: "+15550001"}, models.TicketContext{TicketID: "T1"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}
