package store

// Cipher encrypts credential blobs before they reach the integrations table.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NoopCipher passes credentials through unchanged. Placeholder until a real
// at-rest cipher is wired in; the store-level seam is where it goes.
type NoopCipher struct{}

func (NoopCipher) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (NoopCipher) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
