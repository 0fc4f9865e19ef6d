package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.1", true},
		{"10.255.255.255", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"192.168.0.1", true},
		{"192.168.255.255", true},
		{"169.254.1.1", true},
		{"100.64.0.1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"203.0.113.1", false},
		{"93.184.216.34", false},
		{"172.32.0.1", false},
	}
	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestDialGuard_BlocksPrivate(t *testing.T) {
	g := newDialGuard(&net.Dialer{Timeout: 5 * time.Second}, false)
	_, err := g.DialContext(context.Background(), "tcp", "127.0.0.1:80")
	if err == nil {
		t.Fatal("expected error dialing private IP")
	}
	if !strings.Contains(err.Error(), "blocked connection") {
		t.Errorf("expected 'blocked connection' error, got: %v", err)
	}
}

func TestDialGuard_AllowPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := newDialGuard(&net.Dialer{Timeout: 5 * time.Second}, true)
	conn, err := g.DialContext(context.Background(), "tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("expected dial to succeed with allowPrivate, got: %v", err)
	}
	conn.Close()
}

func TestDialGuard_InvalidAddr(t *testing.T) {
	g := newDialGuard(&net.Dialer{Timeout: 5 * time.Second}, false)
	_, err := g.DialContext(context.Background(), "tcp", "not-a-valid-address")
	if err == nil {
		t.Fatal("expected error for invalid address")
	}
}
