package oidcx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != VerifyPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_ = json.NewEncoder(w).Encode(VerifyResponse{
				OK:      true,
				Issuer:  "https://oidc.example.com",
				Subject: "user-1",
				Claims:  map[string]any{"sub": "user-1"},
			})
		case "Bearer pinned":
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Forbidden", Detail: "Subject mismatch"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Unauthorized"})
		}
	}))
	t.Cleanup(server.Close)

	client := &Client{BaseURL: server.URL + "/", Provider: NewProvider(StaticTokenFactory("good"))}
	resp, err := client.Verify(context.Background(), "aud")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.OK || resp.Subject != "user-1" || resp.Issuer != "https://oidc.example.com" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	client.Provider = NewProvider(StaticTokenFactory("pinned"))
	_, err = client.Verify(context.Background(), "aud")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T (%v)", err, err)
	}
	if remote.StatusCode != http.StatusForbidden || remote.Body.Error != "Forbidden" {
		t.Fatalf("unexpected remote error: %+v", remote)
	}
}

func TestClientVerifyRequiresProvider(t *testing.T) {
	if _, err := (&Client{BaseURL: "http://localhost"}).Verify(context.Background(), "aud"); err == nil {
		t.Fatal("expected error without provider")
	}
}
