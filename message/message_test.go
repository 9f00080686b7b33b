package message

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestSerialize(t *testing.T) {
	tests := []struct {
		name  string
		input *Message
		want  []byte
	}{
		{"interested", &Message{ID: Interested}, []byte{0, 0, 0, 1, 2}},
		{"bitfield", &Message{ID: Bitfield, Payload: []byte{0x80}}, []byte{0, 0, 0, 2, 5, 0x80}},
		{"keepalive", nil, []byte{0, 0, 0, 0}},
		{"extended", NewExtended(3, []byte("de")), []byte{0, 0, 0, 4, 20, 3, 'd', 'e'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.input.Serialize(); !bytes.Equal(got, tt.want) {
				t.Errorf("Serialize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRead(t *testing.T) {
	tooLong := make([]byte, 4)
	binary.BigEndian.PutUint32(tooLong, MaxLength+1)

	tests := []struct {
		name    string
		input   []byte
		want    *Message
		wantErr bool
	}{
		{"have", []byte{0, 0, 0, 5, 4, 1, 2, 3, 4}, &Message{ID: Have, Payload: []byte{1, 2, 3, 4}}, false},
		{"keepalive", []byte{0, 0, 0, 0}, nil, false},
		{"truncated length", []byte{0, 0, 0}, nil, true},
		{"truncated payload", []byte{0, 0, 0, 5, 4, 1, 2}, nil, true},
		{"too long", tooLong, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Read(bytes.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Read() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Read() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseExtended(t *testing.T) {
	id, payload, err := NewExtended(7, []byte("payload")).ParseExtended()
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 || string(payload) != "payload" {
		t.Errorf("ParseExtended() = %d, %q", id, payload)
	}
	if _, _, err := (&Message{ID: Extended}).ParseExtended(); err == nil {
		t.Error("empty extended payload should fail")
	}
	if _, _, err := (&Message{ID: Have, Payload: []byte{1}}).ParseExtended(); err == nil {
		t.Error("wrong id should fail")
	}
}

func TestReadExtended(t *testing.T) {
	var stream bytes.Buffer
	stream.Write((*Message)(nil).Serialize())
	stream.Write((&Message{ID: Bitfield, Payload: []byte{0xff}}).Serialize())
	stream.Write((&Message{ID: Unchoke}).Serialize())
	stream.Write(NewExtended(2, []byte("d1:ai1ee")).Serialize())

	id, payload, err := ReadExtended(&stream)
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 || string(payload) != "d1:ai1ee" {
		t.Errorf("ReadExtended() = %d, %q", id, payload)
	}
	if _, _, err := ReadExtended(&stream); err == nil {
		t.Error("ReadExtended() on a drained stream succeeded")
	}
}

func TestString(t *testing.T) {
	var keepalive *Message
	if keepalive.String() != "KeepAlive" {
		t.Errorf("keepalive String() = %q", keepalive.String())
	}
	if got := NewExtended(0, []byte("d")).String(); got != "Extended [2]" {
		t.Errorf("String() = %q", got)
	}
	if got := (&Message{ID: 42}).String(); got != "Unknown(42) [0]" {
		t.Errorf("String() = %q", got)
	}
}
