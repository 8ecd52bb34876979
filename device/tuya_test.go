// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/plug-power-stream/pkg/errors"
)

// fakePlug is a TCP server that answers like a protocol 3.3 plug.
type fakePlug struct {
	t        *testing.T
	ln       net.Listener
	cipher   *ecbCipher
	mu       sync.Mutex
	dps      map[string]any
	pushed   map[string]any
	silent   bool
	dropNext bool
	accepts  int
	commands []uint32
}

func newFakePlug(t *testing.T, dps map[string]any) *fakePlug {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c, err := newECBCipher([]byte(testKey))
	require.NoError(t, err)

	p := &fakePlug{t: t, ln: ln, cipher: c, dps: dps}
	t.Cleanup(func() { _ = ln.Close() })
	go p.serve()
	return p
}

func (p *fakePlug) addr() string { return p.ln.Addr().String() }

func (p *fakePlug) configure(fn func(*fakePlug)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakePlug) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.accepts++
		p.mu.Unlock()
		go p.handle(conn)
	}
}

func (p *fakePlug) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.commands = append(p.commands, f.Cmd)
		silent, drop := p.silent, p.dropNext
		p.dropNext = false
		dps, pushed := p.dps, p.pushed
		p.mu.Unlock()

		if silent {
			continue
		}
		if drop {
			return
		}

		switch f.Cmd {
		case CmdUpdateDPS:
			if pushed != nil {
				body := append([]byte("3.3"), make([]byte, 12)...)
				body = append(body, p.encrypt(pushed)...)
				p.reply(conn, f.Seq, CmdStatus, body)
			}
		case CmdDPQuery:
			var req map[string]string
			plain, err := p.cipher.decrypt(f.Body)
			if err != nil || json.Unmarshal(plain, &req) != nil || req["devId"] == "" {
				p.t.Errorf("bad DP_QUERY payload: %v", err)
				return
			}
			p.reply(conn, f.Seq, CmdDPQuery, p.encrypt(dps))
		}
	}
}

func (p *fakePlug) encrypt(dps map[string]any) []byte {
	plain, _ := json.Marshal(map[string]any{"devId": "fake", "dps": dps})
	return p.cipher.encrypt(plain)
}

func (p *fakePlug) reply(conn net.Conn, seq, cmd uint32, payload []byte) {
	body := append([]byte{0, 0, 0, 0}, payload...)
	_, _ = conn.Write(EncodeFrame(Frame{Seq: seq, Cmd: cmd, Body: body}))
}

func newTestTuya(t *testing.T, addr string, timeout time.Duration) *Tuya {
	t.Helper()
	d, err := NewTuya(TuyaOptions{ID: "bf-test", Key: testKey, Address: addr, Timeout: timeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestTuyaStatus(t *testing.T) {
	plug := newFakePlug(t, map[string]any{"1": true, "19": 1000, "20": 2301})
	d := newTestTuya(t, plug.addr(), time.Second)

	dps, err := d.Status(context.Background())
	require.NoError(t, err)

	w, ok := PowerFromStatus(dps, "19", 10)
	require.True(t, ok)
	assert.InDelta(t, 100.0, w, 1e-9)
	assert.Equal(t, true, dps["1"])
}

func TestTuyaRequestUpdateMergesPush(t *testing.T) {
	plug := newFakePlug(t, map[string]any{"19": 1000})
	plug.configure(func(p *fakePlug) { p.pushed = map[string]any{"19": 1234} })
	d := newTestTuya(t, plug.addr(), time.Second)

	require.NoError(t, d.RequestUpdate(context.Background()))
	dps, err := d.Status(context.Background())
	require.NoError(t, err)

	w, ok := PowerFromStatus(dps, "19", 10)
	require.True(t, ok)
	assert.InDelta(t, 123.4, w, 1e-9)
}

func TestTuyaKeepsSocketOpen(t *testing.T) {
	plug := newFakePlug(t, map[string]any{"19": 5})
	d := newTestTuya(t, plug.addr(), time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.RequestUpdate(context.Background()))
		_, err := d.Status(context.Background())
		require.NoError(t, err)
	}

	plug.mu.Lock()
	defer plug.mu.Unlock()
	assert.Equal(t, 1, plug.accepts)
	assert.Equal(t, []uint32{CmdUpdateDPS, CmdDPQuery, CmdUpdateDPS, CmdDPQuery, CmdUpdateDPS, CmdDPQuery}, plug.commands)
}

func TestTuyaTimeout(t *testing.T) {
	plug := newFakePlug(t, nil)
	plug.configure(func(p *fakePlug) { p.silent = true })
	d := newTestTuya(t, plug.addr(), 100*time.Millisecond)

	_, err := d.Status(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsDeviceError(err))
	assert.True(t, errors.IsNetworkError(err))
}

func TestTuyaRedialsAfterDrop(t *testing.T) {
	plug := newFakePlug(t, map[string]any{"19": 50})
	plug.configure(func(p *fakePlug) { p.dropNext = true })
	d := newTestTuya(t, plug.addr(), time.Second)

	_, err := d.Status(context.Background())
	require.Error(t, err)

	dps, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, json.Number("50"), dps["19"])

	plug.mu.Lock()
	defer plug.mu.Unlock()
	assert.Equal(t, 2, plug.accepts)
}

func TestTuyaContextCancel(t *testing.T) {
	plug := newFakePlug(t, nil)
	plug.configure(func(p *fakePlug) { p.silent = true })
	d := newTestTuya(t, plug.addr(), 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.Status(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTuyaDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := newTestTuya(t, addr, 200*time.Millisecond)
	err = d.RequestUpdate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
	assert.ErrorIs(t, err, errors.ErrDeviceOffline)
}

func TestNewTuyaRejectsBadKey(t *testing.T) {
	_, err := NewTuya(TuyaOptions{ID: "x", Key: "short", Address: "127.0.0.1:6668"})
	require.Error(t, err)
	assert.True(t, errors.IsDeviceError(err))
	assert.True(t, errors.IsProtocolError(err))
}
