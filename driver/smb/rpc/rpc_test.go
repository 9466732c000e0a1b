package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func startServer(t *testing.T, handler Handler) (*Client, func()) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := Serve(context.Background(), reqR, respW, handler)
		respW.Close()
		done <- err
	}()

	stop := func() {
		reqW.Close()
		<-done
	}
	return NewClient(respR, reqW), stop
}

func echoHandler(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodPing:
		return PingResult{Version: "test"}, nil
	case MethodStat:
		var p PathParams
		if err := Decode(params, &p); err != nil {
			return nil, err
		}
		if p.Path == "/missing" {
			return nil, Errorf(CodeNotFound, "%s not found", p.Path)
		}
		return Entry{Name: "file.txt", Size: 42}, nil
	case MethodDelete:
		return nil, errors.New("disk on fire")
	}
	return nil, Errorf(CodeMethodMissing, "unknown method %q", method)
}

func TestClientCall(t *testing.T) {
	client, stop := startServer(t, echoHandler)
	defer stop()

	t.Run("result", func(t *testing.T) {
		var res PingResult
		if err := client.Call(MethodPing, nil, &res); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Version != "test" {
			t.Errorf("expected version test, got %q", res.Version)
		}
	})

	t.Run("params", func(t *testing.T) {
		var entry Entry
		err := client.Call(MethodStat, PathParams{Share: "docs", Path: "/file.txt"}, &entry)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if entry.Size != 42 {
			t.Errorf("expected size 42, got %d", entry.Size)
		}
	})

	t.Run("structured error", func(t *testing.T) {
		err := client.Call(MethodStat, PathParams{Share: "docs", Path: "/missing"}, nil)
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if rpcErr.Code != CodeNotFound {
			t.Errorf("expected code %d, got %d", CodeNotFound, rpcErr.Code)
		}
	})

	t.Run("plain handler error becomes internal", func(t *testing.T) {
		err := client.Call(MethodDelete, PathParams{}, nil)
		var rpcErr *Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInternal {
			t.Fatalf("expected internal error, got %v", err)
		}
		if !strings.Contains(rpcErr.Message, "disk on fire") {
			t.Errorf("expected handler message, got %q", rpcErr.Message)
		}
	})

	t.Run("missing params", func(t *testing.T) {
		err := client.Call(MethodStat, nil, nil)
		var rpcErr *Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
			t.Fatalf("expected invalid params error, got %v", err)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		err := client.Call("format_disk", nil, nil)
		var rpcErr *Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodMissing {
			t.Fatalf("expected method missing error, got %v", err)
		}
	})
}

func TestClientBrokenPipe(t *testing.T) {
	client, stop := startServer(t, echoHandler)
	stop()

	err := client.Call(MethodPing, nil, nil)
	if err == nil {
		t.Fatal("expected error after server exit")
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		t.Fatalf("expected transport error, got rpc error %v", err)
	}

	if err := client.Call(MethodPing, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on broken client, got %v", err)
	}
}

func TestServeIDsAndParseErrors(t *testing.T) {
	in := strings.NewReader("{\"id\":7,\"method\":\"ping\"}\n\nnot json\n{\"id\":8,\"method\":\"ping\"}\n")
	var out bytes.Buffer

	if err := Serve(context.Background(), in, &out, echoHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d: %q", len(lines), out.String())
	}

	var first, bad, last Response
	for i, target := range []*Response{&first, &bad, &last} {
		if err := json.Unmarshal([]byte(lines[i]), target); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
	}
	if first.ID != 7 || first.Error != nil {
		t.Errorf("unexpected first response: %+v", first)
	}
	if bad.Error == nil || bad.Error.Code != CodeParse {
		t.Errorf("expected parse error, got %+v", bad)
	}
	if last.ID != 8 {
		t.Errorf("expected id 8, got %d", last.ID)
	}
}
