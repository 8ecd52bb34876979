// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"fmt"
	"maps"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

// updateDPs are the metering data points refreshed by RequestUpdate:
// current (mA), power (W x10) and voltage (V x10).
var updateDPs = []int{18, 19, 20}

// TuyaOptions configures a Tuya plug connection.
type TuyaOptions struct {
	ID      string
	Key     string
	Address string // host:port
	Timeout time.Duration
}

// Tuya is a plug reached over the Tuya local protocol 3.3. The socket is
// dialed lazily and kept open between calls; any I/O failure closes it and
// the next call dials again.
type Tuya struct {
	id      string
	addr    string
	timeout time.Duration
	codec   *codec

	mu   sync.Mutex
	conn net.Conn
	seq  uint32
}

// NewTuya validates the credentials. It does not dial.
func NewTuya(opts TuyaOptions) (*Tuya, error) {
	c, err := newCodec(opts.ID, opts.Key)
	if err != nil {
		return nil, errors.NewDeviceError("open", opts.ID, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tuya{
		id:      opts.ID,
		addr:    opts.Address,
		timeout: timeout,
		codec:   c,
	}, nil
}

// ID returns the device id.
func (t *Tuya) ID() string { return t.id }

// RequestUpdate sends UPDATEDPS without waiting for the reply. The plug answers
// with a STATUS push that Status picks up.
func (t *Tuya) RequestUpdate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame, err := t.codec.request(t.nextSeq(), CmdUpdateDPS, map[string]any{"dpId": updateDPs})
	if err != nil {
		return errors.NewDeviceError("request update", t.id, err)
	}
	if err := t.write(ctx, frame); err != nil {
		return errors.NewDeviceError("request update", t.id, err)
	}
	return nil
}

// Status sends DP_QUERY and waits for the reply. STATUS pushes read while
// waiting are layered over the reply.
func (t *Tuya) Status(ctx context.Context) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := strconv.FormatInt(time.Now().Unix(), 10)
	frame, err := t.codec.request(t.nextSeq(), CmdDPQuery, map[string]string{
		"gwId":  t.id,
		"devId": t.id,
		"uid":   t.id,
		"t":     now,
	})
	if err != nil {
		return nil, errors.NewDeviceError("query status", t.id, err)
	}
	if err := t.write(ctx, frame); err != nil {
		return nil, errors.NewDeviceError("query status", t.id, err)
	}

	pushed := map[string]any{}
	for {
		f, err := t.read(ctx)
		if err != nil {
			return nil, errors.NewDeviceError("query status", t.id, err)
		}

		payload, err := t.codec.decode(f)
		if err != nil {
			t.closeLocked()
			return nil, errors.NewDeviceError("query status", t.id, err)
		}
		if payload == nil || payload.Dps == nil {
			continue
		}

		switch f.Cmd {
		case CmdDPQuery:
			dps := maps.Clone(payload.Dps)
			maps.Copy(dps, pushed)
			return dps, nil
		case CmdStatus:
			maps.Copy(pushed, payload.Dps)
		default:
			logger.Debug().Str("device_id", t.id).Uint32("cmd", f.Cmd).Msg("Ignoring unexpected frame")
		}
	}
}

// Close closes the socket if open.
func (t *Tuya) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Tuya) nextSeq() uint32 {
	t.seq++
	return t.seq
}

func (t *Tuya) dial(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", errors.ErrDeviceOffline, err)
		}
		return errors.NewNetworkError("dial", t.addr, err)
	}
	logger.Debug().Str("device_id", t.id).Str("addr", t.addr).Msg("Connected to plug")
	t.conn = conn
	return nil
}

func (t *Tuya) write(ctx context.Context, frame []byte) error {
	if err := t.dial(ctx); err != nil {
		return err
	}
	stop := t.bindContext(ctx)
	defer stop()

	if _, err := t.conn.Write(frame); err != nil {
		t.closeLocked()
		return t.ioError(ctx, "write frame", err)
	}
	return nil
}

func (t *Tuya) read(ctx context.Context) (Frame, error) {
	stop := t.bindContext(ctx)
	defer stop()

	f, err := ReadFrame(t.conn)
	if err != nil {
		t.closeLocked()
		if errors.IsProtocolError(err) {
			return Frame{}, err
		}
		return Frame{}, t.ioError(ctx, "read frame", err)
	}
	return f, nil
}

// bindContext applies the I/O timeout and unblocks the socket when ctx ends.
func (t *Tuya) bindContext(ctx context.Context) func() bool {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetDeadline(deadline)

	conn := t.conn
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

func (t *Tuya) ioError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.NewNetworkError(op, t.addr, err)
}

func (t *Tuya) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
