package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
)

func TestFrameRoundTrip(t *testing.T) {
	codec := DefaultCodec()
	var buf bytes.Buffer

	in := &RpcMessage{
		ID:   42,
		Type: TypeBranchRegister,
		Body: &BranchRegisterRequest{
			Xid:        "app:123:1",
			ResourceID: "db1",
			BranchType: dtx.BranchTypeAT,
			LockKey:    "account:1,2",
		},
	}
	require.NoError(t, WriteFrame(&buf, in, codec))

	out, err := ReadFrame(&buf, codec)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), out.ID)
	assert.Equal(t, TypeBranchRegister, out.Type)

	req, ok := out.Body.(*BranchRegisterRequest)
	require.True(t, ok)
	assert.Equal(t, "app:123:1", req.Xid)
	assert.Equal(t, "account:1,2", req.LockKey)
	assert.Equal(t, dtx.BranchTypeAT, req.BranchType)
}

func TestFrameResultRoundTrip(t *testing.T) {
	codec := DefaultCodec()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &RpcMessage{
		ID:   7,
		Type: TypeResult,
		Body: &Result{Success: true, Xid: "x", Status: dtx.StatusCommitted},
	}, codec))

	out, err := ReadFrame(&buf, codec)
	require.NoError(t, err)
	res := out.Body.(*Result)
	assert.True(t, res.Success)
	assert.Equal(t, dtx.StatusCommitted, res.Status)
}

func TestReadFrameBadMagic(t *testing.T) {
	raw := make([]byte, 12)
	binary.BigEndian.PutUint16(raw[0:2], 0xBEEF)
	raw[2] = Version
	_, err := ReadFrame(bytes.NewReader(raw), DefaultCodec())
	require.Error(t, err)
	assert.True(t, dtx.IsCode(err, dtx.ErrWire))
}

func TestReadFrameBadVersion(t *testing.T) {
	raw := make([]byte, 12)
	binary.BigEndian.PutUint16(raw[0:2], Magic)
	raw[2] = Version + 1
	_, err := ReadFrame(bytes.NewReader(raw), DefaultCodec())
	require.Error(t, err)
	assert.True(t, dtx.IsCode(err, dtx.ErrWire))
}

func TestReadFrameUnknownType(t *testing.T) {
	raw := make([]byte, 12)
	binary.BigEndian.PutUint16(raw[0:2], Magic)
	raw[2] = Version
	raw[3] = 250
	_, err := ReadFrame(bytes.NewReader(raw), DefaultCodec())
	require.Error(t, err)
	assert.True(t, dtx.IsCode(err, dtx.ErrWire))
}

func TestReadFrameOversizedBody(t *testing.T) {
	raw := make([]byte, 12)
	binary.BigEndian.PutUint16(raw[0:2], Magic)
	raw[2] = Version
	raw[3] = byte(TypeGlobalStatus)
	binary.BigEndian.PutUint32(raw[8:12], MaxBodyLen+1)
	_, err := ReadFrame(bytes.NewReader(raw), DefaultCodec())
	require.Error(t, err)
	assert.True(t, dtx.IsCode(err, dtx.ErrWire))
}

func TestReadFrameTruncated(t *testing.T) {
	codec := DefaultCodec()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &RpcMessage{
		ID: 1, Type: TypeGlobalBegin,
		Body: &GlobalBeginRequest{ApplicationID: "app"},
	}, codec))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := ReadFrame(bytes.NewReader(truncated), codec)
	require.Error(t, err)
	assert.True(t, dtx.IsCode(err, dtx.ErrNetwork))
}

func TestResultErrMapsCode(t *testing.T) {
	res := ResultFromError(dtx.Errf(dtx.ErrGlobalNotActive, "xid x is Committed"))
	require.False(t, res.Success)
	err := res.Err()
	assert.True(t, dtx.IsCode(err, dtx.ErrGlobalNotActive))

	ok := &Result{Success: true}
	assert.NoError(t, ok.Err())
}

func TestRegisterCodecRejectsReservedID(t *testing.T) {
	err := RegisterCodec(jsonCodec{})
	require.Error(t, err)
}
