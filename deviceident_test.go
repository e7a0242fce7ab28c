package modbus

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identHandler struct {
	bankHandler
	ident *DeviceIdentification
}

func (h *identHandler) DeviceIdentification() *DeviceIdentification { return h.ident }

func basicIdent() *DeviceIdentification {
	return &DeviceIdentification{
		ConformityLevel: 0x01 | ConformityStreamAccess,
		Objects: map[byte][]byte{
			DeviceIDObjectVendorName:         []byte("ACME"),
			DeviceIDObjectProductCode:        []byte("WIDGET-9000"),
			DeviceIDObjectMajorMinorRevision: []byte("1.2"),
		},
	}
}

func TestDeviceIdentificationRespondBasic(t *testing.T) {
	ident := basicIdent()
	body, err := ident.respond(ReadDeviceIDCodeBasic, 0, 252)
	require.NoError(t, err)

	assert.Equal(t, byte(MEITypeReadDeviceIdentification), body[0])
	assert.Equal(t, byte(ReadDeviceIDCodeBasic), body[1])
	assert.Equal(t, ident.ConformityLevel, body[2])
	assert.Equal(t, byte(0x00), body[3], "everything fits, no continuation")
	assert.Equal(t, byte(3), body[5])

	objects := make(map[byte][]byte)
	more, _, err := parseDeviceIdentification(body, objects)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []byte("ACME"), objects[DeviceIDObjectVendorName])
	assert.Equal(t, []byte("WIDGET-9000"), objects[DeviceIDObjectProductCode])
	assert.Equal(t, []byte("1.2"), objects[DeviceIDObjectMajorMinorRevision])
}

func TestDeviceIdentificationRespondSpecific(t *testing.T) {
	ident := basicIdent()
	body, err := ident.respond(ReadDeviceIDCodeSpecific, DeviceIDObjectProductCode, 252)
	require.NoError(t, err)

	objects := make(map[byte][]byte)
	more, _, err := parseDeviceIdentification(body, objects)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, objects, 1)
	assert.Equal(t, []byte("WIDGET-9000"), objects[DeviceIDObjectProductCode])

	_, err = ident.respond(ReadDeviceIDCodeSpecific, 0x77, 252)
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataAddress)
}

func TestDeviceIdentificationPaging(t *testing.T) {
	ident := basicIdent()
	ident.Objects[0x03] = bytes.Repeat([]byte{'u'}, 120)
	ident.Objects[0x04] = bytes.Repeat([]byte{'v'}, 120)
	ident.Objects[0x05] = bytes.Repeat([]byte{'w'}, 120)

	objects := make(map[byte][]byte)
	objectID := byte(0)
	pages := 0
	for {
		body, err := ident.respond(ReadDeviceIDCodeRegular, objectID, 252)
		require.NoError(t, err)
		require.LessOrEqual(t, len(body), 252, "one page must fit a PDU")
		pages++

		more, next, err := parseDeviceIdentification(body, objects)
		require.NoError(t, err)
		if !more {
			break
		}
		assert.NotZero(t, next, "continuation must name the first unsent object")
		objectID = next
	}
	assert.Greater(t, pages, 1, "objects must not fit one page")
	assert.Len(t, objects, 6)
	assert.Equal(t, ident.Objects, objects)
}

func TestServerDeviceIdentification(t *testing.T) {
	h := &identHandler{bankHandler: *newBankHandler(), ident: basicIdent()}
	f, _ := newServerFixture(t, 1, h)

	request := []byte{MEITypeReadDeviceIdentification, byte(ReadDeviceIDCodeBasic), 0x00}
	response := f.exchange(rtuFrame(t, 1, FuncCodeReadDeviceIdentification, request))
	tg, err := f.transport.Parse(response, len(response), true, nil)
	require.NoError(t, err)
	require.Equal(t, byte(FuncCodeReadDeviceIdentification), tg.FunctionCode)

	objects := make(map[byte][]byte)
	_, _, err = parseDeviceIdentification(tg.Data(response), objects)
	require.NoError(t, err)
	assert.Equal(t, []byte("ACME"), objects[DeviceIDObjectVendorName])
}

func TestServerDeviceIdentificationBadMEI(t *testing.T) {
	h := &identHandler{bankHandler: *newBankHandler(), ident: basicIdent()}
	f, _ := newServerFixture(t, 1, h)

	response := f.exchange(rtuFrame(t, 1, FuncCodeReadDeviceIdentification, []byte{0x0D, 0x01, 0x00}))
	tg, err := f.transport.Parse(response, len(response), true, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(FuncCodeReadDeviceIdentification|0x80), tg.FunctionCode)
	assert.Equal(t, []byte{byte(ExceptionCodeIllegalFunction)}, tg.Data(response))
}

func TestServerDeviceIdentificationUnsupported(t *testing.T) {
	f, _ := newServerFixture(t, 1, nil) // plain bank handler, no provider
	request := []byte{MEITypeReadDeviceIdentification, byte(ReadDeviceIDCodeBasic), 0x00}
	response := f.exchange(rtuFrame(t, 1, FuncCodeReadDeviceIdentification, request))
	tg, err := f.transport.Parse(response, len(response), true, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(ExceptionCodeIllegalFunction)}, tg.Data(response))
}

func TestMasterReadDeviceIdentification(t *testing.T) {
	ident := basicIdent()
	ident.Objects[0x03] = bytes.Repeat([]byte{'u'}, 120)
	ident.Objects[0x04] = bytes.Repeat([]byte{'v'}, 120)
	ident.Objects[0x05] = bytes.Repeat([]byte{'w'}, 120)
	h := &identHandler{bankHandler: *newBankHandler(), ident: ident}

	a, b := newLoopback()
	srv := NewServer(1, h)
	srv.AddTransport(NewRTUStreamTransport(b, 0))
	srv.Start()
	defer srv.Stop()

	m := NewMaster(NewRTUStreamTransport(a, 0))
	objects, err := m.ReadDeviceIdentification(context.Background(), 1, ReadDeviceIDCodeRegular)
	require.NoError(t, err)
	assert.Equal(t, ident.Objects, objects)
}
