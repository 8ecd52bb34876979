// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/soothill/plug-power-stream/pkg/errors"
)

// Tuya command codes used by the poller.
const (
	CmdControl   uint32 = 0x07
	CmdStatus    uint32 = 0x08
	CmdHeartBeat uint32 = 0x09
	CmdDPQuery   uint32 = 0x0a
	CmdUpdateDPS uint32 = 0x12
)

const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA99

	headerLen  = 16 // prefix, seq, cmd, length
	trailerLen = 8  // crc, suffix
	maxBodyLen = 64 * 1024

	// protocol 3.3 payloads other than queries carry "3.3" and 12 reserved bytes
	versionHeaderLen = 15
)

var version33 = []byte("3.3")

// Frame is one 55AA message on the wire. Body holds everything between the
// header and the trailer, including a return code on device replies.
type Frame struct {
	Seq  uint32
	Cmd  uint32
	Body []byte
}

// EncodeFrame serializes a frame with its CRC and suffix.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, headerLen, headerLen+len(f.Body)+trailerLen)
	binary.BigEndian.PutUint32(buf[0:], framePrefix)
	binary.BigEndian.PutUint32(buf[4:], f.Seq)
	binary.BigEndian.PutUint32(buf[8:], f.Cmd)
	binary.BigEndian.PutUint32(buf[12:], uint32(len(f.Body)+trailerLen))
	buf = append(buf, f.Body...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return binary.BigEndian.AppendUint32(buf, frameSuffix)
}

// ReadFrame reads and verifies one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	if binary.BigEndian.Uint32(header[0:]) != framePrefix {
		return Frame{}, errors.NewProtocolError("read header", fmt.Errorf("bad prefix %x", header[0:4]))
	}

	n := binary.BigEndian.Uint32(header[12:])
	if n < trailerLen || n > maxBodyLen {
		return Frame{}, errors.NewProtocolError("read header", fmt.Errorf("invalid length %d", n))
	}

	rest := make([]byte, n)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, err
	}

	body := rest[:len(rest)-trailerLen]
	crc := binary.BigEndian.Uint32(rest[len(rest)-trailerLen:])
	if binary.BigEndian.Uint32(rest[len(rest)-4:]) != frameSuffix {
		return Frame{}, errors.NewProtocolError("read trailer", fmt.Errorf("bad suffix"))
	}

	h := crc32.NewIEEE()
	_, _ = h.Write(header)
	_, _ = h.Write(body)
	if h.Sum32() != crc {
		return Frame{}, errors.NewProtocolError("verify crc", fmt.Errorf("got %08x want %08x", crc, h.Sum32()))
	}

	return Frame{
		Seq:  binary.BigEndian.Uint32(header[4:]),
		Cmd:  binary.BigEndian.Uint32(header[8:]),
		Body: body,
	}, nil
}

// ecbCipher is AES-128 in ECB mode with PKCS#7 padding, as used by protocol 3.3.
type ecbCipher struct {
	block cipher.Block
}

func newECBCipher(key []byte) (*ecbCipher, error) {
	if len(key) != 16 {
		return nil, errors.NewProtocolError("load key", fmt.Errorf("local key must be 16 bytes, got %d", len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewProtocolError("load key", err)
	}
	return &ecbCipher{block: block}, nil
}

func (c *ecbCipher) encrypt(plain []byte) []byte {
	bs := c.block.BlockSize()
	pad := bs - len(plain)%bs
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	for i := len(plain); i < len(buf); i++ {
		buf[i] = byte(pad)
	}
	for i := 0; i < len(buf); i += bs {
		c.block.Encrypt(buf[i:i+bs], buf[i:i+bs])
	}
	return buf
}

func (c *ecbCipher) decrypt(data []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, errors.NewProtocolError("decrypt", fmt.Errorf("ciphertext length %d is not a multiple of %d", len(data), bs))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		c.block.Decrypt(out[i:i+bs], data[i:i+bs])
	}

	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs {
		return nil, errors.NewProtocolError("decrypt", fmt.Errorf("bad padding"))
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.NewProtocolError("decrypt", fmt.Errorf("bad padding"))
		}
	}
	return out[:len(out)-pad], nil
}

// statusPayload is the JSON carried by DP_QUERY replies and STATUS pushes.
type statusPayload struct {
	DevID string         `json:"devId"`
	Dps   map[string]any `json:"dps"`
}

// codec builds request payloads and parses replies for one device.
type codec struct {
	deviceID string
	cipher   *ecbCipher
}

func newCodec(deviceID, key string) (*codec, error) {
	c, err := newECBCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	return &codec{deviceID: deviceID, cipher: c}, nil
}

// request encrypts a JSON payload for cmd and frames it.
func (c *codec) request(seq, cmd uint32, payload any) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewProtocolError("encode payload", err)
	}

	body := c.cipher.encrypt(plain)
	if needsVersionHeader(cmd) {
		hdr := make([]byte, versionHeaderLen, versionHeaderLen+len(body))
		copy(hdr, version33)
		body = append(hdr, body...)
	}
	return EncodeFrame(Frame{Seq: seq, Cmd: cmd, Body: body}), nil
}

func needsVersionHeader(cmd uint32) bool {
	switch cmd {
	case CmdDPQuery, CmdUpdateDPS, CmdHeartBeat:
		return false
	}
	return true
}

// decode parses a reply body. A nil payload with nil error is a bare acknowledgement.
func (c *codec) decode(f Frame) (*statusPayload, error) {
	body := stripRetCode(f.Body)
	if bytes.HasPrefix(body, version33) {
		if len(body) < versionHeaderLen {
			return nil, errors.NewProtocolError("strip version header", fmt.Errorf("short body"))
		}
		body = body[versionHeaderLen:]
	}
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] != '{' {
		plain, err := c.cipher.decrypt(body)
		if err != nil {
			return nil, err
		}
		body = plain
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p statusPayload
	if err := dec.Decode(&p); err != nil {
		return nil, errors.NewProtocolError("decode payload", err)
	}
	return &p, nil
}

// stripRetCode drops the 4 byte return code devices put in front of replies.
func stripRetCode(body []byte) []byte {
	if len(body) >= 4 && binary.BigEndian.Uint32(body)&0xFFFFFF00 == 0 {
		return body[4:]
	}
	return body
}
