package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"opclink/opc"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"reset", syscall.ECONNRESET, true},
		{"not connected", opc.NewCommError("s1", "read", 0, opc.ErrNotConnected), true},
		{"ua session closed", errors.New("StatusBadSessionClosed"), true},
		{"dcom rpc", errors.New("The RPC server is unavailable."), true},
		{"not applicable", &opc.NotApplicableError{Protocol: opc.ProtocolHDA, Operation: "read"}, false},
		{"canceled", context.Canceled, false},
		{"bad value", errors.New("BadTypeMismatch"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReleaseWithin(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		err := releaseWithin(context.Background(), time.Second, func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("close error returned", func(t *testing.T) {
		want := errors.New("boom")
		if err := releaseWithin(context.Background(), time.Second, func() error { return want }); !errors.Is(err, want) {
			t.Fatalf("got %v, want %v", err, want)
		}
	})

	t.Run("timeout force releases", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		start := time.Now()
		err := releaseWithin(context.Background(), 20*time.Millisecond, func() error {
			<-block
			return nil
		})
		if !errors.Is(err, ErrForceReleased) {
			t.Fatalf("got %v, want ErrForceReleased", err)
		}
		if time.Since(start) > time.Second {
			t.Fatal("release did not honour the timeout")
		}
	})

	t.Run("panic in close", func(t *testing.T) {
		err := releaseWithin(context.Background(), time.Second, func() error { panic("native crash") })
		if err == nil {
			t.Fatal("expected error from panicking close")
		}
	})
}

func TestStatusCell(t *testing.T) {
	var c statusCell
	if st := c.get(); st.State != StateDisconnected || st.IsConnected {
		t.Fatalf("zero status = %+v", st)
	}
	c.set(StateConnected, nil)
	if st := c.get(); !st.IsConnected || st.LastChange.IsZero() {
		t.Fatalf("connected status = %+v", st)
	}
	c.set(StateError, errors.New("timeout"))
	if st := c.get(); st.IsConnected || st.LastError != "timeout" {
		t.Fatalf("error status = %+v", st)
	}
}

func TestRegistryUnknownProtocol(t *testing.T) {
	_, err := Create(opc.ServerConfig{ID: "x", Protocol: "modbus", Endpoint: "tcp://x"})
	if !errors.Is(err, opc.ErrUnknownProtocol) {
		t.Fatalf("got %v, want ErrUnknownProtocol", err)
	}
}
