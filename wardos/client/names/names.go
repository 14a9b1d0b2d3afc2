package names

import (
	"encoding/binary"
	"errors"
	"fmt"

	"ward/wardos/kernel"
	"ward/wardos/proto"
)

const registryAttempts = 1000

// Register binds name to sid in the registry.
func Register(ctx *kernel.Context, name string, sid kernel.ServerID) error {
	_, err := call(ctx, proto.OpNameRegister, proto.NameRequest{Name: name, Server: sid})
	return err
}

// Unregister removes a name the calling process registered.
func Unregister(ctx *kernel.Context, name string) error {
	_, err := call(ctx, proto.OpNameUnregister, proto.NameRequest{Name: name})
	return err
}

// Lookup resolves name to a server ID.
func Lookup(ctx *kernel.Context, name string) (kernel.ServerID, error) {
	req, err := call(ctx, proto.OpNameLookup, proto.NameRequest{Name: name})
	if err != nil {
		return kernel.ServerID{}, err
	}
	return kernel.ServerID(req.Server), nil
}

// Connect resolves name and connects to it.
func Connect(ctx *kernel.Context, name string) (kernel.Connection, error) {
	sid, err := Lookup(ctx, name)
	if err != nil {
		return kernel.Connection{}, err
	}
	return ctx.Connect(sid)
}

// WaitConnect retries Connect, sleeping a tick between attempts, until the
// name is registered and its server is up or attempts run out.
func WaitConnect(ctx *kernel.Context, name string, attempts int) (kernel.Connection, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var conn kernel.Connection
		conn, err = Connect(ctx, name)
		if err == nil {
			return conn, nil
		}
		if !retryable(err) {
			return kernel.Connection{}, err
		}
		if serr := ctx.Sleep(1); serr != nil {
			return kernel.Connection{}, serr
		}
	}
	return kernel.Connection{}, fmt.Errorf("connect %q: %w", name, err)
}

// dialRegistry connects to the registry, which may still be starting.
func dialRegistry(ctx *kernel.Context) (kernel.Connection, error) {
	for i := 0; ; i++ {
		conn, err := ctx.Connect(kernel.NameServerID)
		if !errors.Is(err, kernel.ErrServerNotFound) || i >= registryAttempts {
			return conn, err
		}
		if err := ctx.Sleep(1); err != nil {
			return kernel.Connection{}, err
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, kernel.ErrServerNotFound) || errors.Is(err, &proto.Error{Code: proto.ErrNotFound})
}

// call lends one page holding req to the registry and decodes the answer.
func call(ctx *kernel.Context, op proto.Opcode, req proto.NameRequest) (proto.NameRequest, error) {
	if ctx == nil {
		return proto.NameRequest{}, fmt.Errorf("%s: nil context", op)
	}
	buf := make([]byte, proto.NameRequestBytes(req.Name))
	n, err := req.Encode(buf)
	if err != nil {
		return proto.NameRequest{}, err
	}
	conn, err := dialRegistry(ctx)
	if err != nil {
		return proto.NameRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	pages, err := ctx.AllocatePages(1, kernel.PermRW)
	if err != nil {
		return proto.NameRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	defer ctx.FreePages(pages[0], 1)
	if err := ctx.WriteMemory(pages[0], buf[:n]); err != nil {
		return proto.NameRequest{}, err
	}
	msg := kernel.Memory(kernel.LendMut, uint32(op), pages[0], kernel.PageSize)
	msg.Valid = uintptr(n)
	_, valid, err := ctx.SendMemory(conn, msg, kernel.SendOptions{})
	if err != nil {
		return proto.NameRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	if valid < 2 || valid > uintptr(n) {
		return proto.NameRequest{}, &proto.Error{Op: op, Code: proto.ErrBadMessage}
	}
	if err := ctx.ReadMemory(pages[0], buf[:valid]); err != nil {
		return proto.NameRequest{}, err
	}
	resp, ok := proto.DecodeNameRequest(buf[:valid])
	if !ok {
		code := proto.ErrCode(binary.LittleEndian.Uint16(buf))
		if code == proto.OK {
			code = proto.ErrBadMessage
		}
		return proto.NameRequest{}, &proto.Error{Op: op, Code: code}
	}
	if err := proto.Status(op, uintptr(resp.Status)); err != nil {
		return proto.NameRequest{}, err
	}
	return resp, nil
}
