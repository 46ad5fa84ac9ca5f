package internal

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "Put with value",
			command: Command{Type: CommandTPut, Bean: "Account", Key: "int\x0042", Value: []byte(`{"balance":10}`)},
		},
		{
			name:    "Delete without value",
			command: Command{Type: CommandTDelete, Bean: "Account", Key: "int\x0042"},
		},
		{
			name:    "Empty bean and key",
			command: Command{Type: CommandTInsert, Value: []byte("v")},
		},
		{
			name:    "Binary value",
			command: Command{Type: CommandTPut, Bean: "Blob", Key: "k", Value: []byte{0, 1, 2, 254, 255}},
		},
		{
			name:    "Unicode key",
			command: Command{Type: CommandTInsert, Bean: "Kunde", Key: "string\x00Müller", Value: []byte("ü")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()
			if len(data) != tt.command.SizeBytes() {
				t.Fatalf("SizeBytes() = %d, serialized length = %d", tt.command.SizeBytes(), len(data))
			}

			var got Command
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if got.Type != tt.command.Type || got.Bean != tt.command.Bean || got.Key != tt.command.Key {
				t.Errorf("header mismatch: got %+v, want %+v", got, tt.command)
			}
			if len(tt.command.Value) == 0 {
				if len(got.Value) != 0 {
					t.Errorf("Value should be empty, got %v", got.Value)
				}
			} else if !bytes.Equal(got.Value, tt.command.Value) {
				t.Errorf("Value mismatch: got %v, want %v", got.Value, tt.command.Value)
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectedErr: "data too short for command",
		},
		{
			name: "Lengths exceed data",
			data: func() []byte {
				data := make([]byte, headerSize)
				binary.BigEndian.PutUint16(data[1:3], 3)
				binary.BigEndian.PutUint32(data[3:7], 1000)
				return data
			}(),
			expectedErr: "data too short for bean of length 3 and key of length 1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Expected error but got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("Expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

// TestBinaryFormat tests the exact binary format of serialized commands
func TestBinaryFormat(t *testing.T) {
	cmd := Command{Type: CommandTPut, Bean: "Acc", Key: "k1", Value: []byte("val")}

	expected := make([]byte, cmd.SizeBytes())
	expected[0] = byte(CommandTPut)
	binary.BigEndian.PutUint16(expected[1:3], 3)
	binary.BigEndian.PutUint32(expected[3:7], 2)
	copy(expected[7:10], "Acc")
	copy(expected[10:12], "k1")
	copy(expected[12:], "val")

	if got := cmd.Serialize(); !bytes.Equal(got, expected) {
		t.Errorf("Binary format does not match:\nGot:      %v\nExpected: %v", got, expected)
	}
}

// TestBufferReuse tests that Deserialize reuses the value buffer when possible
func TestBufferReuse(t *testing.T) {
	cmd := Command{Type: CommandTPut, Bean: "b", Key: "k", Value: make([]byte, 0, 64)}
	before := cap(cmd.Value)

	small := Command{Type: CommandTPut, Bean: "b", Key: "k", Value: []byte("short")}
	if err := cmd.Deserialize(small.Serialize()); err != nil {
		t.Fatal(err)
	}
	if cap(cmd.Value) != before {
		t.Errorf("buffer was reallocated: cap %d -> %d", before, cap(cmd.Value))
	}
	if !bytes.Equal(cmd.Value, []byte("short")) {
		t.Errorf("Value = %q", cmd.Value)
	}
}
