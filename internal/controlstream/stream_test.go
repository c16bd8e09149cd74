package controlstream

import (
	"context"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/wire"
)

func TestDialListenRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		msg, err := conn.Recv()
		if err != nil {
			serverDone <- err
			return
		}
		if msg.Type != wire.CtrlOffer {
			serverDone <- errUnexpectedType(msg.Type)
			return
		}
		reply := wire.NewControlMessage(wire.CtrlAccept, msg.ConnectionID)
		serverDone <- conn.Send(reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	offer := wire.NewControlMessage(wire.CtrlOffer, 42)
	if err := conn.Send(offer); err != nil {
		t.Fatalf("Send offer: %v", err)
	}

	reply, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv reply: %v", err)
	}
	if reply.Type != wire.CtrlAccept {
		t.Fatalf("expected ACCEPT, got %v", reply.Type)
	}
	if reply.ConnectionID != 42 {
		t.Fatalf("expected connection id 42, got %d", reply.ConnectionID)
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server side error: %v", err)
	}
}

type errUnexpectedType wire.ControlType

func (e errUnexpectedType) Error() string {
	return "unexpected control type"
}
