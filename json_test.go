// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote_test

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/luxfi/remote"
)

func TestQueryServerInfo(t *testing.T) {
	srv := newServer(t)
	url, err := srv.ListenAdmin()
	if err != nil {
		t.Fatalf("ListenAdmin: %v", err)
	}

	info, err := remote.QueryServerInfo(testContext(t), url, remote.WithHeader("X-Client", "test"))
	if err != nil {
		t.Fatalf("QueryServerInfo: %v", err)
	}
	if !info.Compatible() {
		t.Errorf("protocol version %d, want %d", info.ProtocolVersion, remote.ProtocolVersion)
	}
	for _, op := range remote.Opcodes() {
		if !info.Supports(op) {
			t.Errorf("executor does not advertise %s", op)
		}
	}
	if !slices.Equal(info.Devices, []string{"cpu"}) {
		t.Errorf("devices %v", info.Devices)
	}
	if info.Supports(remote.Opcode(0x7fff)) {
		t.Error("unknown opcode reported as supported")
	}
}

func TestQueryServerInfoHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	defer ts.Close()

	_, err := remote.QueryServerInfo(testContext(t), ts.URL, remote.WithQueryParam("token", "wrong"))
	if err == nil {
		t.Fatal("QueryServerInfo succeeded against a failing endpoint")
	}
	_, err = remote.QueryServerInfo(testContext(t), ts.URL, remote.WithQueryParam("token", "secret"), remote.WithHTTPClient(ts.Client()))
	if err == nil {
		t.Fatal("QueryServerInfo succeeded on status 418")
	}
}
