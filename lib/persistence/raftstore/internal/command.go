package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the write operations of the state machine.
type CommandType uint8

const (
	CommandTPut    CommandType = iota // Insert or replace the state of a key.
	CommandTInsert                    // Insert the state of a key that must not exist.
	CommandTDelete                    // Delete a key that must exist.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTPut:
		return "Put"
	case CommandTInsert:
		return "Insert"
	case CommandTDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// headerSize is Type + BeanLen + KeyLen.
const headerSize = 1 + 2 + 4

// Command is a single entry in the raft log.
type Command struct {
	Type  CommandType
	Bean  string
	Key   string
	Value []byte
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return headerSize + len(command.Bean) + len(command.Key) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 2 bytes for bean name length (big endian),
// 4 bytes for key length (big endian),
// N bytes for bean name,
// N bytes for key data,
// N bytes for value data (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint16(result[1:3], uint16(len(command.Bean)))
	binary.BigEndian.PutUint32(result[3:7], uint32(len(command.Key)))

	off := headerSize
	off += copy(result[off:], command.Bean)
	off += copy(result[off:], command.Key)
	copy(result[off:], command.Value)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	beanLen := int(binary.BigEndian.Uint16(data[1:3]))
	keyLen := int(binary.BigEndian.Uint32(data[3:7]))

	if len(data) < headerSize+beanLen+keyLen {
		return fmt.Errorf("data too short for bean of length %d and key of length %d", beanLen, keyLen)
	}

	off := headerSize
	command.Bean = string(data[off : off+beanLen])
	off += beanLen
	command.Key = string(data[off : off+keyLen])
	off += keyLen

	if rest := len(data) - off; rest > 0 {
		// Reuse existing buffer if possible to reduce allocations
		if cap(command.Value) < rest {
			command.Value = make([]byte, rest)
		} else {
			command.Value = command.Value[:rest]
		}
		copy(command.Value, data[off:])
	} else {
		command.Value = nil
	}

	return nil
}
