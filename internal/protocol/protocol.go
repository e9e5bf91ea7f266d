package protocol

import (
	"fmt"
	"strings"
)

// Control message tokens
const (
	IdentifyPrefix = "ID:"
	EndOfSegment   = "END"
)

// Kind distinguishes text control messages from binary audio payloads
type Kind uint8

const (
	KindText Kind = iota + 1
	KindBinary
)

// Message is a single transport message received from a sensor node
type Message struct {
	Kind    Kind
	Payload []byte
}

// CommandType enumerates the recognized control messages
type CommandType uint8

const (
	CommandUnknown CommandType = iota
	CommandIdentify
	CommandEnd
)

// Command is a parsed text control message
type Command struct {
	Type CommandType
	// Value holds the trimmed identifier for CommandIdentify and the raw text otherwise
	Value string
}

// ParseControl parses a text control message. It never fails: anything that is
// not an identification or end marker is returned as CommandUnknown.
func ParseControl(text string) Command {
	switch {
	case strings.HasPrefix(text, IdentifyPrefix):
		return Command{
			Type:  CommandIdentify,
			Value: strings.TrimSpace(text[len(IdentifyPrefix):]),
		}
	case text == EndOfSegment:
		return Command{Type: CommandEnd, Value: text}
	default:
		return Command{Type: CommandUnknown, Value: text}
	}
}

// String returns a human-readable representation of the message kind
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// String returns a human-readable representation of the command type
func (t CommandType) String() string {
	switch t {
	case CommandIdentify:
		return "identify"
	case CommandEnd:
		return "end"
	default:
		return "unknown"
	}
}
