package anchor

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestInstructionDataAppendsLittleEndianArgs(t *testing.T) {
	data, err := InstructionData("auto_repay_start", struct{ StartBalance uint64 }{StartBalance: 1_010_000})
	if err != nil {
		t.Fatalf("InstructionData failed: %v", err)
	}
	if len(data) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(data))
	}
	if !bytes.Equal(data[:8], InstructionDiscriminator("auto_repay_start")) {
		t.Fatal("discriminator prefix mismatch")
	}
	if got := binary.LittleEndian.Uint64(data[8:]); got != 1_010_000 {
		t.Fatalf("unexpected encoded arg %d", got)
	}
}

func TestInstructionDataWithoutArgs(t *testing.T) {
	data, err := InstructionData("lending_account_end_flashloan", nil)
	if err != nil {
		t.Fatalf("InstructionData failed: %v", err)
	}
	if len(data) != DiscriminatorSize {
		t.Fatalf("expected bare discriminator, got %d bytes", len(data))
	}
}

func TestDiscriminatorsDifferByNamespace(t *testing.T) {
	if bytes.Equal(InstructionDiscriminator("Vault"), AccountDiscriminator("Vault")) {
		t.Fatal("instruction and account namespaces must not collide")
	}
}

func TestCheckAccount(t *testing.T) {
	data := append(AccountDiscriminator("User"), make([]byte, 32)...)
	if err := CheckAccount("User", data); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := CheckAccount("Vault", data); err == nil {
		t.Fatal("expected mismatch error")
	}
	if err := CheckAccount("User", data[:4]); err == nil {
		t.Fatal("expected short data error")
	}
}
