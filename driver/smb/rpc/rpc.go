// Package rpc implements the line-delimited JSON protocol spoken between the
// SMB provider and its sidecar process.
//
// Each request and response is one JSON object terminated by '\n'. The
// client sends one request at a time and waits for the response with the
// same ID before sending the next.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Method names understood by the sidecar.
const (
	MethodPing            = "ping"
	MethodListDirectory   = "list_directory"
	MethodStat            = "stat"
	MethodCreateDirectory = "create_directory"
	MethodDelete          = "delete"
	MethodRename          = "rename"
	MethodCopy            = "copy"
	MethodReadFile        = "read_file"
)

// Error codes carried in Error.Code.
const (
	CodeParse         = -32700
	CodeInvalidParams = -32602
	CodeMethodMissing = -32601
	CodeInternal      = -32603

	CodeNotFound   = 2
	CodeExists     = 17
	CodePermission = 13
	CodeAuth       = 1001
	CodeConnect    = 1002
	CodeNotDir     = 20
	CodeIsDir      = 21
)

// Request is a single call.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a structured failure reported by the sidecar.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("smb sidecar error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ============================================================================
// Parameters and results
// ============================================================================

// Auth is sent with every call. The sidecar keeps no credentials between calls.
type Auth struct {
	Host     string `json:"host"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// PathParams addresses one path on a share.
type PathParams struct {
	Auth  Auth   `json:"auth"`
	Share string `json:"share"`
	Path  string `json:"path"`
}

// TransferParams addresses a source and destination on the same share.
type TransferParams struct {
	Auth  Auth   `json:"auth"`
	Share string `json:"share"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// ReadParams reads Length bytes at Offset.
type ReadParams struct {
	Auth   Auth   `json:"auth"`
	Share  string `json:"share"`
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int    `json:"length"`
}

// Entry is a directory entry or stat result.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	IsDir    bool      `json:"is_dir"`
	IsHidden bool      `json:"is_hidden,omitempty"`
}

// ReadResult carries file bytes (base64 in JSON). EOF is set once the end
// of the file has been reached.
type ReadResult struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

// PingResult identifies the sidecar.
type PingResult struct {
	Version string `json:"version"`
}

// ============================================================================
// Client
// ============================================================================

// ErrClosed is returned once the connection has failed or been closed.
var ErrClosed = errors.New("rpc connection closed")

// Client sends requests over w and reads responses from r. Calls are
// serialized; one request is in flight at a time.
type Client struct {
	mu     sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder
	nextID uint64
	broken bool
}

// NewClient creates a client over a pipe pair.
func NewClient(r io.Reader, w io.Writer) *Client {
	return &Client{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(bufio.NewReader(r)),
	}
}

// Call sends method with params and decodes the result into result, which
// may be nil. A returned *Error came from the peer; any other error means
// the pipe is unusable and the client must be discarded.
func (c *Client) Call(method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return ErrClosed
	}

	c.nextID++
	req := Request{ID: c.nextID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	if err := c.enc.Encode(&req); err != nil {
		c.broken = true
		return fmt.Errorf("write request: %w", err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		c.broken = true
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read response: %w", err)
	}
	if resp.ID != req.ID {
		c.broken = true
		return fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}

	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// ============================================================================
// Server
// ============================================================================

// Handler executes one request. Returning an *Error reports that code to the
// client; any other error is reported as CodeInternal.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Serve reads requests from r until EOF or ctx is done and writes responses
// to w. Requests are handled in order.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(&Response{Error: Errorf(CodeParse, "parse request: %v", err)}); err != nil {
				return err
			}
			continue
		}

		resp := Response{ID: req.ID}
		result, err := handler(ctx, req.Method, req.Params)
		if err != nil {
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = &Error{Code: CodeInternal, Message: err.Error()}
			}
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = Errorf(CodeInternal, "encode result: %v", err)
			} else {
				resp.Result = raw
			}
		}

		if err := enc.Encode(&resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Decode unmarshals params into v, reporting failures as CodeInvalidParams.
func Decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return Errorf(CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
