package storelink

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestByJwtRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	clientId := NewId()
	token, err := NewByJwt(clientId, "alice").Sign(secret)
	if err != nil {
		t.Fatalf("sign error = %s", err)
	}

	byJwt, err := ParseByJwt(token, secret)
	if err != nil {
		t.Fatalf("parse error = %s", err)
	}
	assert.Equal(t, clientId, byJwt.ClientId)
	assert.Equal(t, "alice", byJwt.Name)

	if _, err := ParseByJwt(token, []byte("wrong-secret")); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestRequireAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-secret")

	store := NewStore(ctx, "gated")
	defer store.Close()

	var gotAuth *ByJwt
	var gotParams []any
	subscribe := RequireAuth(secret, func(req *SubscribeRequest) Admission {
		gotAuth = req.Auth
		gotParams = req.Params
		return AcceptInto(store)
	})

	token, err := NewByJwt(NewId(), "alice").Sign(secret)
	if err != nil {
		t.Fatalf("sign error = %s", err)
	}

	// the token is consumed, the rest of the params pass through
	admission := subscribe(&SubscribeRequest{
		Params: []any{token, "blue"},
	})
	assert.Equal(t, true, admission.Accepted())
	assert.Equal(t, "alice", gotAuth.Name)
	assert.Equal(t, []any{"blue"}, gotParams)

	admission = subscribe(&SubscribeRequest{
		Params: []any{"not-a-token"},
	})
	assert.Equal(t, false, admission.Accepted())

	admission = subscribe(&SubscribeRequest{})
	assert.Equal(t, false, admission.Accepted())
	assert.Equal(t, "missing token", admission.Reason())
}
