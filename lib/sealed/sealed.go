// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for capsule export bundles.
// It wraps filippo.io/age for the operations exports need: passphrase
// sealing (scrypt), x25519 recipient sealing, and decryption of sealed
// bundles.
//
// Bundles can be large, so the API is streaming: Seal returns an
// io.WriteCloser layered over the destination, Unseal an io.Reader
// over the source.
package sealed

import (
	"fmt"
	"io"

	"filippo.io/age"
)

// Keypair is an age x25519 keypair for recipient-sealed exports. The
// private key is the AGE-SECRET-KEY-1... string; treat it like any
// other credential.
type Keypair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeypair generates a new age x25519 keypair.
func GenerateKeypair() (Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return Keypair{}, fmt.Errorf("generating age keypair: %w", err)
	}
	return Keypair{
		PrivateKey: identity.String(),
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Recipients builds the age recipient set for sealing: any number of
// x25519 public keys plus an optional passphrase. At least one of the
// two must be provided.
func Recipients(publicKeys []string, passphrase string) ([]age.Recipient, error) {
	if len(publicKeys) == 0 && passphrase == "" {
		return nil, fmt.Errorf("sealing requires a recipient key or a passphrase")
	}
	recipients := make([]age.Recipient, 0, len(publicKeys)+1)
	for _, key := range publicKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	if passphrase != "" {
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, fmt.Errorf("building passphrase recipient: %w", err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// Identities builds the age identity set for unsealing from private
// keys and/or a passphrase.
func Identities(privateKeys []string, passphrase string) ([]age.Identity, error) {
	if len(privateKeys) == 0 && passphrase == "" {
		return nil, fmt.Errorf("unsealing requires a private key or a passphrase")
	}
	identities := make([]age.Identity, 0, len(privateKeys)+1)
	for _, key := range privateKeys {
		identity, err := age.ParseX25519Identity(key)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		identities = append(identities, identity)
	}
	if passphrase != "" {
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("building passphrase identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

// Seal layers age encryption over dst. Everything written to the
// returned WriteCloser is sealed to the recipients; Close must be
// called to flush the final chunk.
func Seal(dst io.Writer, recipients []age.Recipient) (io.WriteCloser, error) {
	writer, err := age.Encrypt(dst, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	return writer, nil
}

// Unseal layers age decryption over src using any of the identities.
func Unseal(src io.Reader, identities []age.Identity) (io.Reader, error) {
	reader, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed bundle: %w", err)
	}
	return reader, nil
}

// ValidatePublicKey reports whether a string is a valid age x25519
// public key.
func ValidatePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}
