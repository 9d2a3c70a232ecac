package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"server-dr/internal/config"
	apperrors "server-dr/internal/errors"
)

const (
	encMagic       = "SDRENC01"
	saltSize       = 16
	keyCheckSize   = 8
	nonceSize      = 12
	headerSize     = len(encMagic) + saltSize + keyCheckSize + nonceSize
	chunkSize      = 1 << 20
	maxSealedChunk = chunkSize + 16

	pbkdf2Iterations = 100000
	keySize          = 32
)

// KeySource produces the per-archive AES-256 key from the archive salt
type KeySource interface {
	DeriveKey(salt []byte) ([]byte, error)
	Kind() string
}

// StaticKey is a raw 32-byte key; each archive gets an HKDF subkey bound to its salt
type StaticKey []byte

// DeriveKey implements KeySource
func (k StaticKey) DeriveKey(salt []byte) ([]byte, error) {
	if len(k) != keySize {
		return nil, fmt.Errorf("key must be %d bytes for AES-256, got %d", keySize, len(k))
	}
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k, salt, []byte("server-dr archive v1")), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Kind implements KeySource
func (StaticKey) Kind() string { return "static" }

// Passphrase derives the archive key with PBKDF2-SHA256
type Passphrase string

// DeriveKey implements KeySource
func (p Passphrase) DeriveKey(salt []byte) ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("passphrase is empty")
	}
	return pbkdf2.Key([]byte(p), salt, pbkdf2Iterations, keySize, sha256.New), nil
}

// Kind implements KeySource
func (Passphrase) Kind() string { return "passphrase" }

// LoadKey resolves the configured key reference; it returns nil when encryption is disabled
func LoadKey(cfg config.EncryptionConfig) (KeySource, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.KeySource {
	case "env":
		hexKey := strings.TrimSpace(os.Getenv(cfg.KeyEnvVar))
		if hexKey == "" {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				fmt.Sprintf("environment variable %s not set", cfg.KeyEnvVar), nil)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				"failed to decode hex key from environment variable", err)
		}
		if len(key) != keySize {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				"key from environment variable must be 32 bytes for AES-256", nil)
		}
		return StaticKey(key), nil

	case "file":
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to read key from file", err)
		}
		if len(key) != keySize {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				"key file must contain 32 bytes for AES-256", nil)
		}
		return StaticKey(key), nil

	case "passphrase":
		pass := os.Getenv(cfg.PassphraseEnvVar)
		if pass == "" {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
				fmt.Sprintf("environment variable %s not set", cfg.PassphraseEnvVar), nil)
		}
		return Passphrase(pass), nil

	default:
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("invalid key source: %s", cfg.KeySource), nil)
	}
}

// GenerateKey returns a new random 256-bit key
func GenerateKey() (StaticKey, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

func keyCheck(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("server-dr key check"))
	return mac.Sum(nil)[:keyCheckSize]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

func chunkNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

func chunkAD(final bool) []byte {
	if final {
		return []byte{1}
	}
	return []byte{0}
}

// encryptWriter seals the stream in length-prefixed chunks. The last chunk is
// always emitted on Close with the final flag set, so truncation is detectable.
type encryptWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	base    []byte
	buf     []byte
	counter uint64
	closed  bool
}

func newEncryptWriter(w io.Writer, ks KeySource) (*encryptWriter, error) {
	salt := make([]byte, saltSize)
	base := make([]byte, nonceSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(base); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := ks.DeriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, encMagic...)
	header = append(header, salt...)
	header = append(header, keyCheck(key)...)
	header = append(header, base...)
	if _, err := w.Write(header); err != nil {
		return nil, err
	}

	return &encryptWriter{w: w, aead: aead, base: base, buf: make([]byte, 0, chunkSize)}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, io.ErrClosedPipe
	}
	written := 0
	for len(p) > 0 {
		n := copy(e.buf[len(e.buf):cap(e.buf)], p)
		e.buf = e.buf[:len(e.buf)+n]
		p = p[n:]
		written += n
		if len(e.buf) == chunkSize {
			if err := e.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (e *encryptWriter) flush(final bool) error {
	sealed := e.aead.Seal(nil, chunkNonce(e.base, e.counter), e.buf, chunkAD(final))
	e.counter++
	e.buf = e.buf[:0]

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(sealed)))
	if _, err := e.w.Write(length[:]); err != nil {
		return err
	}
	_, err := e.w.Write(sealed)
	return err
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.flush(true)
}

// decryptReader reverses encryptWriter. A wrong key is reported as
// decryption_failed; every other failure is archive_corrupt.
type decryptReader struct {
	r       io.Reader
	aead    cipher.AEAD
	base    []byte
	counter uint64
	nextLen uint32
	plain   []byte
	done    bool
}

func newDecryptReader(r io.Reader, ks KeySource) (*decryptReader, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, apperrors.NewCorruptArchiveError("encrypted archive header is truncated", err)
	}
	if !bytes.Equal(header[:len(encMagic)], []byte(encMagic)) {
		return nil, apperrors.NewCorruptArchiveError("encrypted archive header has unknown format", nil)
	}
	if ks == nil {
		return nil, apperrors.NewDecryptionError("archive is encrypted but no key is configured", nil)
	}

	off := len(encMagic)
	salt := header[off : off+saltSize]
	off += saltSize
	check := header[off : off+keyCheckSize]
	off += keyCheckSize
	base := append([]byte(nil), header[off:off+nonceSize]...)

	key, err := ks.DeriveKey(salt)
	if err != nil {
		return nil, apperrors.NewDecryptionError("failed to derive archive key", err)
	}
	if !hmac.Equal(check, keyCheck(key)) {
		return nil, apperrors.NewDecryptionError("key does not match archive", nil)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, apperrors.NewDecryptionError("failed to initialise cipher", err)
	}

	d := &decryptReader{r: r, aead: aead, base: base}
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, apperrors.NewCorruptArchiveError("encrypted archive has no data chunks", err)
	}
	d.nextLen = binary.BigEndian.Uint32(length[:])
	return d, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for len(d.plain) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.plain)
	d.plain = d.plain[n:]
	return n, nil
}

func (d *decryptReader) next() error {
	if d.nextLen > maxSealedChunk || d.nextLen < uint32(d.aead.Overhead()) {
		return apperrors.NewCorruptArchiveError(fmt.Sprintf("chunk %d has invalid length %d", d.counter, d.nextLen), nil)
	}

	sealed := make([]byte, d.nextLen)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return apperrors.NewCorruptArchiveError(fmt.Sprintf("chunk %d is truncated", d.counter), err)
	}

	final := false
	var length [4]byte
	switch _, err := io.ReadFull(d.r, length[:]); err {
	case nil:
		d.nextLen = binary.BigEndian.Uint32(length[:])
	case io.EOF:
		final = true
	default:
		return apperrors.NewCorruptArchiveError(fmt.Sprintf("chunk %d trailer is truncated", d.counter), err)
	}

	plain, err := d.aead.Open(sealed[:0], chunkNonce(d.base, d.counter), sealed, chunkAD(final))
	if err != nil {
		return apperrors.NewCorruptArchiveError(fmt.Sprintf("chunk %d failed authentication", d.counter), err)
	}

	d.counter++
	d.plain = plain
	d.done = final
	return nil
}
