package connect

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestSerialize(t *testing.T) {
	c := &Connect{ProtocolID: ProtocolID, Action: ActionConnect, TransactionID: []byte{1, 2, 3, 4}}
	want := []byte{0, 0, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80, 0, 0, 0, 0, 1, 2, 3, 4}
	if got := c.Serialize(); !bytes.Equal(got, want) {
		t.Errorf("Serialize() = %v, want %v", got, want)
	}
	if n := len(New().TransactionID); n != 4 {
		t.Errorf("transaction id has %d bytes", n)
	}
}

func TestRead(t *testing.T) {
	buf := []byte{0, 0, 0, 0, 9, 8, 7, 6, 1, 2, 3, 4, 5, 6, 7, 8}
	c, err := Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if c.Action != ActionConnect || !bytes.Equal(c.TransactionID, []byte{9, 8, 7, 6}) ||
		!bytes.Equal(c.ConnectionID, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Read() = %+v", c)
	}

	if _, err := Read(buf[:10]); err == nil {
		t.Error("short response accepted")
	}

	errBuf := make([]byte, 8)
	binary.BigEndian.PutUint32(errBuf, ActionError)
	errBuf = append(errBuf, "banned"...)
	_, err = Read(errBuf)
	if err == nil || err.Error() != "tracker error: banned" {
		t.Errorf("Read() error = %v", err)
	}
}
