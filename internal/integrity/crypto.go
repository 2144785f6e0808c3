package integrity

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encrypted archive layout:
//
//	magic(4) | salt(32) | nonce prefix(16) | { len(4) | sealed chunk }...
//
// Each chunk holds up to 64 KiB of plaintext. The nonce is the prefix followed
// by a big-endian chunk counter and the additional data marks the last chunk,
// so reordered or truncated archives fail to open.
const (
	archiveMagic    = "MJB1"
	chunkSize       = 64 * 1024
	saltSize        = 32
	noncePrefixSize = chacha20poly1305.NonceSizeX - 8
	minKeyMaterial  = 32
	hkdfInfo        = "mjolnir backup archive v1"
)

var (
	ErrArchiveAuth      = errors.New("archive authentication failed")
	ErrArchiveTruncated = errors.New("archive truncated")
	ErrArchiveFormat    = errors.New("not an encrypted mjolnir archive")
)

// LoadKeyFile reads the backup key material; at least 32 bytes are required
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup key file: %w", err)
	}
	if len(data) < minKeyMaterial {
		return nil, fmt.Errorf("backup key file %s holds %d bytes, need at least %d", path, len(data), minKeyMaterial)
	}
	return data, nil
}

func deriveKey(keyMaterial, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive archive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func chunkNonce(prefix []byte, counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], counter)
	return nonce
}

func chunkAD(final bool) []byte {
	if final {
		return []byte{1}
	}
	return []byte{0}
}

type sealWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	prefix  []byte
	counter uint64
	buf     []byte
	closed  bool
}

func newSealWriter(w io.Writer, keyMaterial []byte) (*sealWriter, error) {
	header := make([]byte, len(archiveMagic)+saltSize+noncePrefixSize)
	copy(header, archiveMagic)
	salt := header[len(archiveMagic) : len(archiveMagic)+saltSize]
	prefix := header[len(archiveMagic)+saltSize:]
	if _, err := rand.Read(header[len(archiveMagic):]); err != nil {
		return nil, fmt.Errorf("failed to generate archive salt: %w", err)
	}

	aead, err := deriveKey(keyMaterial, salt)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write archive header: %w", err)
	}

	return &sealWriter{
		w:      w,
		aead:   aead,
		prefix: append([]byte(nil), prefix...),
		buf:    make([]byte, 0, chunkSize),
	}, nil
}

func (s *sealWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to closed archive")
	}
	written := 0
	for len(p) > 0 {
		n := min(chunkSize-len(s.buf), len(p))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(s.buf) == chunkSize {
			if err := s.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (s *sealWriter) flush(final bool) error {
	sealed := s.aead.Seal(nil, chunkNonce(s.prefix, s.counter), s.buf, chunkAD(final))
	s.counter++
	s.buf = s.buf[:0]

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(sealed)))
	if _, err := s.w.Write(length[:]); err != nil {
		return err
	}
	_, err := s.w.Write(sealed)
	return err
}

// Close writes the final chunk, which may be empty
func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flush(true)
}

type openReader struct {
	r       *bufio.Reader
	aead    cipher.AEAD
	prefix  []byte
	counter uint64
	plain   []byte
	done    bool
}

func newOpenReader(r io.Reader, keyMaterial []byte) (*openReader, error) {
	br := bufio.NewReaderSize(r, chunkSize+chacha20poly1305.Overhead+4)
	header := make([]byte, len(archiveMagic)+saltSize+noncePrefixSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveFormat, err)
	}
	if string(header[:len(archiveMagic)]) != archiveMagic {
		return nil, ErrArchiveFormat
	}

	aead, err := deriveKey(keyMaterial, header[len(archiveMagic):len(archiveMagic)+saltSize])
	if err != nil {
		return nil, err
	}
	return &openReader{
		r:      br,
		aead:   aead,
		prefix: append([]byte(nil), header[len(archiveMagic)+saltSize:]...),
	}, nil
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.plain) == 0 {
		if o.done {
			return 0, io.EOF
		}
		if err := o.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.plain)
	o.plain = o.plain[n:]
	return n, nil
}

func (o *openReader) next() error {
	var length [4]byte
	if _, err := io.ReadFull(o.r, length[:]); err != nil {
		return ErrArchiveTruncated
	}
	size := binary.BigEndian.Uint32(length[:])
	if size < chacha20poly1305.Overhead || size > chunkSize+chacha20poly1305.Overhead {
		return fmt.Errorf("%w: chunk length %d", ErrArchiveFormat, size)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(o.r, sealed); err != nil {
		return ErrArchiveTruncated
	}

	_, err := o.r.Peek(1)
	final := errors.Is(err, io.EOF)

	plain, err := o.aead.Open(nil, chunkNonce(o.prefix, o.counter), sealed, chunkAD(final))
	if err != nil {
		if final {
			// a non-final chunk at end of stream means the tail was cut off
			if _, retry := o.aead.Open(nil, chunkNonce(o.prefix, o.counter), sealed, chunkAD(false)); retry == nil {
				return ErrArchiveTruncated
			}
		}
		return ErrArchiveAuth
	}
	o.counter++
	o.plain = plain
	o.done = final
	return nil
}
