// pkg/socketio/packet.go
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EngineType - тип пакета Engine.IO v3 (первый символ текстового кадра).
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType - тип пакета Socket.IO v2 внутри EngineMessage.
type PacketType byte

const (
	PacketConnect     PacketType = '0'
	PacketDisconnect  PacketType = '1'
	PacketEvent       PacketType = '2'
	PacketAck         PacketType = '3'
	PacketError       PacketType = '4'
	PacketBinaryEvent PacketType = '5'
	PacketBinaryAck   PacketType = '6'
)

var (
	ErrEmptyFrame        = errors.New("socketio: empty frame")
	ErrUnknownPacketType = errors.New("socketio: unknown packet type")
	ErrBinaryUnsupported = errors.New("socketio: binary packets are not supported")
	ErrMalformedEvent    = errors.New("socketio: malformed event payload")
)

// EnginePacket - декодированный кадр Engine.IO.
type EnginePacket struct {
	Type EngineType
	Data []byte
}

// Handshake - содержимое open-пакета.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"` // ms
	PingTimeout  int64    `json:"pingTimeout"`  // ms
}

// Packet - декодированный пакет Socket.IO.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     *uint64
	Data      json.RawMessage
}

// EncodeEngine собирает текстовый кадр Engine.IO.
func EncodeEngine(t EngineType, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(t))
	return append(out, data...)
}

// DecodeEngine разбирает текстовый кадр Engine.IO.
func DecodeEngine(frame []byte) (EnginePacket, error) {
	if len(frame) == 0 {
		return EnginePacket{}, ErrEmptyFrame
	}
	t := EngineType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return EnginePacket{}, fmt.Errorf("%w: engine %q", ErrUnknownPacketType, frame[0])
	}
	return EnginePacket{Type: t, Data: frame[1:]}, nil
}

// EncodeEvent кодирует событие в полный кадр вида 42["name",payload].
// payload == nil кодирует событие без аргументов.
func EncodeEvent(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("socketio: encode %q: %w", name, err)
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, byte(EngineMessage), byte(PacketEvent))
	return append(out, body...), nil
}

// EncodePacket кодирует служебный пакет Socket.IO (connect/disconnect) в кадр Engine.IO.
func EncodePacket(t PacketType) []byte {
	return []byte{byte(EngineMessage), byte(t)}
}

// DecodeMessage разбирает полезную нагрузку EngineMessage.
// Формат: <type>[/<nsp>,][<ackId>][<json>]
func DecodeMessage(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, ErrEmptyFrame
	}
	p := Packet{Type: PacketType(data[0]), Namespace: "/"}
	switch p.Type {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketError:
	case PacketBinaryEvent, PacketBinaryAck:
		return Packet{}, ErrBinaryUnsupported
	default:
		return Packet{}, fmt.Errorf("%w: socket %q", ErrUnknownPacketType, data[0])
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		i := 0
		for i < len(rest) && rest[i] != ',' {
			i++
		}
		p.Namespace = string(rest[:i])
		if i < len(rest) {
			i++
		}
		rest = rest[i:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseUint(string(rest[:i]), 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: ack id: %w", err)
		}
		p.AckID = &id
		rest = rest[i:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return Packet{}, fmt.Errorf("%w: %s", ErrMalformedEvent, rest)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Event извлекает имя события и первый аргумент из пакета PacketEvent.
func (p Packet) Event() (name string, arg json.RawMessage, err error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil || len(parts) == 0 {
		return "", nil, ErrMalformedEvent
	}
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, ErrMalformedEvent
	}
	if len(parts) > 1 {
		arg = parts[1]
	}
	return name, arg, nil
}

// DecodeString возвращает текст сообщения: значение JSON-строки,
// поле "message" объекта или сырой JSON.
func DecodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// Quote кодирует строку как JSON-значение.
func Quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
