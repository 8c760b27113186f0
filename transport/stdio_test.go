package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/entl/mcp-pty/mcpserver"
	"github.com/entl/mcp-pty/session"
)

func TestRunStdio_DisposesSessionWhenStreamCloses(t *testing.T) {
	mgr := session.NewManager(zap.NewNop())
	defer mgr.DisposeAll(2 * time.Second)
	srv := mcpserver.NewServer(mgr, zap.NewNop(), true)

	in := io.NopCloser(strings.NewReader(""))
	var out bytes.Buffer

	var sessionID string
	mgr.Subscribe(func(ev session.Event) {
		if ev.Type == session.EventCreated {
			sessionID = ev.SessionID
		}
	})

	err := RunStdio(context.Background(), mgr, srv, zap.NewNop(), in, &out)
	if err != nil {
		t.Fatalf("RunStdio returned error: %v", err)
	}

	if sessionID == "" {
		t.Fatalf("expected a session to have been created")
	}
	if _, ok := mgr.GetSession(sessionID); ok {
		t.Fatalf("expected session to be disposed once the stream closed")
	}
}
