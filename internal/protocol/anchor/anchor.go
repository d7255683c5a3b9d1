// Package anchor encodes instruction data and checks account discriminators
// for programs built with the Anchor framework.
package anchor

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

const DiscriminatorSize = 8

func InstructionDiscriminator(name string) []byte {
	return discriminator("global:" + name)
}

func AccountDiscriminator(name string) []byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) []byte {
	sum := sha256.Sum256([]byte(preimage))
	return sum[:DiscriminatorSize]
}

// InstructionData prefixes the Borsh encoding of args with the instruction
// discriminator. A nil args produces a bare discriminator.
func InstructionData(name string, args any) ([]byte, error) {
	data := InstructionDiscriminator(name)
	if args == nil {
		return data, nil
	}
	encoded, err := bin.MarshalBorsh(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return append(data, encoded...), nil
}

// CheckAccount verifies that data starts with the discriminator of the named account type.
func CheckAccount(name string, data []byte) error {
	want := AccountDiscriminator(name)
	if len(data) < DiscriminatorSize {
		return fmt.Errorf("%s account: %d bytes is shorter than the discriminator", name, len(data))
	}
	if !bytes.Equal(data[:DiscriminatorSize], want) {
		return fmt.Errorf("%s account: discriminator mismatch", name)
	}
	return nil
}
