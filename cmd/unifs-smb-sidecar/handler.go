package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gobeaver/unifs/driver/smb/rpc"
	"github.com/hirochachacha/go-smb2"
	"go.uber.org/zap"
)

const dialTimeout = 15 * time.Second

// handler executes one request per SMB session. Credentials arrive with
// every request and are dropped when it completes.
type handler struct {
	logger *zap.Logger
}

func (h *handler) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case rpc.MethodPing:
		return rpc.PingResult{Version: version}, nil

	case rpc.MethodListDirectory:
		var p rpc.PathParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		var out []rpc.Entry
		err := h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			infos, err := share.ReadDir(sharePath(p.Path))
			if err != nil {
				return err
			}
			out = make([]rpc.Entry, 0, len(infos))
			for _, info := range infos {
				out = append(out, entryFor(info))
			}
			return nil
		})
		return out, err

	case rpc.MethodStat:
		var p rpc.PathParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		var out rpc.Entry
		err := h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			info, err := share.Stat(sharePath(p.Path))
			if err != nil {
				return err
			}
			out = entryFor(info)
			if p.Path == "/" {
				out.Name = p.Share
			}
			return nil
		})
		return out, err

	case rpc.MethodCreateDirectory:
		var p rpc.PathParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		return nil, h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			return createDirectory(share, sharePath(p.Path))
		})

	case rpc.MethodDelete:
		var p rpc.PathParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		return nil, h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			name := sharePath(p.Path)
			if _, err := share.Lstat(name); err != nil {
				return err
			}
			return share.RemoveAll(name)
		})

	case rpc.MethodRename:
		var p rpc.TransferParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		return nil, h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			if _, err := share.Lstat(sharePath(p.To)); err == nil {
				return fs.ErrExist
			}
			return share.Rename(sharePath(p.From), sharePath(p.To))
		})

	case rpc.MethodCopy:
		var p rpc.TransferParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		return nil, h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			if _, err := share.Lstat(sharePath(p.To)); err == nil {
				return fs.ErrExist
			}
			return copyTree(share, sharePath(p.From), sharePath(p.To))
		})

	case rpc.MethodReadFile:
		var p rpc.ReadParams
		if err := rpc.Decode(params, &p); err != nil {
			return nil, err
		}
		var out rpc.ReadResult
		err := h.withShare(ctx, p.Auth, p.Share, func(share *smb2.Share) error {
			f, err := share.Open(sharePath(p.Path))
			if err != nil {
				return err
			}
			defer f.Close()

			buf := make([]byte, p.Length)
			n, err := f.ReadAt(buf, p.Offset)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			out = rpc.ReadResult{Data: buf[:n], EOF: errors.Is(err, io.EOF) || n < p.Length}
			return nil
		})
		return out, err
	}

	return nil, rpc.Errorf(rpc.CodeMethodMissing, "unknown method %q", method)
}

// withShare dials, authenticates and mounts share for the duration of fn.
func (h *handler) withShare(ctx context.Context, auth rpc.Auth, shareName string, fn func(*smb2.Share) error) error {
	if auth.Host == "" || shareName == "" {
		return rpc.Errorf(rpc.CodeInvalidParams, "host and share are required")
	}

	addr := auth.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "445")
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return rpc.Errorf(rpc.CodeConnect, "connect to %s: %v", addr, err)
	}
	defer conn.Close()

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     auth.Username,
			Password: auth.Password,
			Domain:   auth.Domain,
		},
	}
	session, err := d.DialContext(ctx, conn)
	if err != nil {
		return rpc.Errorf(rpc.CodeAuth, "logon to %s as %s: %v", auth.Host, auth.Username, err)
	}
	defer session.Logoff()

	share, err := session.Mount(shareName)
	if err != nil {
		return classify(err)
	}
	defer share.Umount()

	if err := fn(share.WithContext(ctx)); err != nil {
		h.logger.Debug("smb operation failed", zap.String("host", auth.Host), zap.String("share", shareName), zap.Error(err))
		return classify(err)
	}
	return nil
}

// sharePath converts a "/dir/file" path to go-smb2's share-relative form.
func sharePath(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return strings.ReplaceAll(p, "/", `\`)
}

func entryFor(info os.FileInfo) rpc.Entry {
	return rpc.Entry{
		Name:     info.Name(),
		Size:     info.Size(),
		Modified: info.ModTime().UTC(),
		IsDir:    info.IsDir(),
	}
}

type dirMaker interface {
	Lstat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
}

// createDirectory creates name and any missing parents. An existing entry
// at name is an error.
func createDirectory(share dirMaker, name string) error {
	if _, err := share.Lstat(name); err == nil {
		return fs.ErrExist
	}
	return share.MkdirAll(name, 0755)
}

func copyTree(share *smb2.Share, src, dst string) error {
	info, err := share.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(share, src, dst)
	}

	if err := share.Mkdir(dst, 0755); err != nil {
		return err
	}
	entries, err := share.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(share, src+`\`+entry.Name(), dst+`\`+entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(share *smb2.Share, src, dst string) error {
	in, err := share.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := share.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = share.Remove(dst)
		return err
	}
	return out.Close()
}

// classify maps SMB failures to rpc error codes.
func classify(err error) error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, fs.ErrNotExist),
		strings.Contains(msg, "STATUS_OBJECT_NAME_NOT_FOUND"),
		strings.Contains(msg, "STATUS_OBJECT_PATH_NOT_FOUND"),
		strings.Contains(msg, "STATUS_BAD_NETWORK_NAME"):
		return rpc.Errorf(rpc.CodeNotFound, "%s", msg)
	case errors.Is(err, fs.ErrExist), strings.Contains(msg, "STATUS_OBJECT_NAME_COLLISION"):
		return rpc.Errorf(rpc.CodeExists, "%s", msg)
	case errors.Is(err, fs.ErrPermission), strings.Contains(msg, "STATUS_ACCESS_DENIED"):
		return rpc.Errorf(rpc.CodePermission, "%s", msg)
	case strings.Contains(msg, "STATUS_NOT_A_DIRECTORY"):
		return rpc.Errorf(rpc.CodeNotDir, "%s", msg)
	case strings.Contains(msg, "STATUS_FILE_IS_A_DIRECTORY"):
		return rpc.Errorf(rpc.CodeIsDir, "%s", msg)
	case strings.Contains(msg, "STATUS_LOGON_FAILURE"):
		return rpc.Errorf(rpc.CodeAuth, "%s", msg)
	}
	return rpc.Errorf(rpc.CodeInternal, "%s", msg)
}
