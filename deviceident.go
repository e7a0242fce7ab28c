package modbus

import (
	"fmt"
	"sort"
)

// ReadDeviceIDCode selects the identification object range of a
// ReadDeviceIdentification request.
type ReadDeviceIDCode byte

// Read device id codes.
const (
	ReadDeviceIDCodeBasic    ReadDeviceIDCode = 1
	ReadDeviceIDCodeRegular  ReadDeviceIDCode = 2
	ReadDeviceIDCodeExtended ReadDeviceIDCode = 3
	ReadDeviceIDCodeSpecific ReadDeviceIDCode = 4
)

// Standard identification object ids.
const (
	DeviceIDObjectVendorName         byte = 0x00
	DeviceIDObjectProductCode        byte = 0x01
	DeviceIDObjectMajorMinorRevision byte = 0x02
	DeviceIDObjectVendorURL          byte = 0x03
	DeviceIDObjectProductName        byte = 0x04
	DeviceIDObjectModelName          byte = 0x05
	DeviceIDObjectUserApplication    byte = 0x06
)

// ConformityStreamAccess is the conformity level bit announcing stream
// access capability.
const ConformityStreamAccess byte = 0x80

// deviceIDMetadata is the fixed response prefix: MEI type, id code,
// conformity level, more follows, next object id, number of objects.
const deviceIDMetadata = 6

// DeviceIdentification holds the identification objects a server hands
// out via function 0x2B/0x0E. Objects is keyed by object id; the three
// basic objects (VendorName, ProductCode, MajorMinorRevision) are
// mandatory for a conforming device.
type DeviceIdentification struct {
	ConformityLevel byte
	Objects         map[byte][]byte
}

// objectRangeLimit is the highest object id covered by a stream read.
func objectRangeLimit(code ReadDeviceIDCode) byte {
	switch code {
	case ReadDeviceIDCodeBasic:
		return DeviceIDObjectMajorMinorRevision
	case ReadDeviceIDCodeRegular:
		return 0x7F
	default:
		return 0xFF
	}
}

// respond builds the response body for one request, emitting as many
// objects as fit the transport's PDU budget and flagging more-follows
// with the resume object id when they do not.
func (d *DeviceIdentification) respond(code ReadDeviceIDCode, objectID byte, dataBudget int) ([]byte, error) {
	switch code {
	case ReadDeviceIDCodeBasic, ReadDeviceIDCodeRegular, ReadDeviceIDCodeExtended:
	case ReadDeviceIDCodeSpecific:
		value, ok := d.Objects[objectID]
		if !ok {
			return nil, ExceptionCodeIllegalDataAddress
		}
		out := []byte{
			MEITypeReadDeviceIdentification, byte(code), d.ConformityLevel,
			0x00, 0x00, 1, objectID, byte(len(value)),
		}
		return append(out, value...), nil
	default:
		return nil, ExceptionCodeIllegalDataValue
	}

	limit := objectRangeLimit(code)
	var ids []byte
	for id := range d.Objects {
		if id >= objectID && id <= limit {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ExceptionCodeIllegalDataAddress
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	budget := dataBudget - deviceIDMetadata
	var body []byte
	moreFollows, nextObjectID, count := byte(0x00), byte(0x00), 0
	for _, id := range ids {
		value := d.Objects[id]
		if len(body)+2+len(value) > budget {
			moreFollows = 0xFF
			nextObjectID = id
			break
		}
		body = append(body, id, byte(len(value)))
		body = append(body, value...)
		count++
	}
	out := []byte{
		MEITypeReadDeviceIdentification, byte(code), d.ConformityLevel,
		moreFollows, nextObjectID, byte(count),
	}
	return append(out, body...), nil
}

// serveDeviceIdentification handles function 0x2B with MEI type 0x0E.
func (s *Server) serveDeviceIdentification(t Transport, data []byte) ([]byte, error) {
	if len(data) < 3 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if data[0] != MEITypeReadDeviceIdentification {
		return nil, ExceptionCodeIllegalFunction
	}
	provider, ok := s.handler.(DeviceIdentificationProvider)
	if !ok {
		return nil, ExceptionCodeIllegalFunction
	}
	ident := provider.DeviceIdentification()
	if ident == nil {
		return nil, ExceptionCodeIllegalFunction
	}
	return ident.respond(ReadDeviceIDCode(data[1]), data[2], pduDataCapacity(t))
}

// pduDataCapacity is the largest PDU data length the transport can
// frame. All three standard framings land on the protocol's 252 bytes;
// foreign transports are taken at their word minus MBAP-sized overhead.
func pduDataCapacity(t Transport) int {
	switch t.(type) {
	case *RTUTransport:
		return rtuMaxSize - rtuMinSize
	case *ASCIITransport:
		return (asciiMaxSize-5)/2 - 2
	case *TCPTransport:
		return tcpMaxLength - tcpHeaderSize - 1
	}
	return t.MaxADULength() - tcpHeaderSize - 1
}

// parseDeviceIdentification decodes one response body into the paging
// state and the contained objects.
func parseDeviceIdentification(data []byte, objects map[byte][]byte) (moreFollows bool, nextObjectID byte, err error) {
	if len(data) < deviceIDMetadata {
		return false, 0, ErrResponseTooShort
	}
	if data[0] != MEITypeReadDeviceIdentification {
		return false, 0, fmt.Errorf("modbus: unexpected MEI type '%v': %w", data[0], ErrFrame)
	}
	count := int(data[5])
	pos := deviceIDMetadata
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return false, 0, ErrResponseTooShort
		}
		id, length := data[pos], int(data[pos+1])
		pos += 2
		if pos+length > len(data) {
			return false, 0, ErrResponseTooShort
		}
		objects[id] = append([]byte{}, data[pos:pos+length]...)
		pos += length
	}
	return data[3] == 0xFF, data[4], nil
}
