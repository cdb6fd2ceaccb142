// Package crypt implements the per-device cipher operations used by the
// wire codec, plus the deterministic credential derivation for the cloud
// broker.
//
// Each protocol generation selects its cipher mode once per device at
// session start; the codec asks the Context to encrypt or decrypt and
// never hard-codes an algorithm.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/robovac-protocol/robovac-go/pkg/identity"
)

// keySalt is mixed into the local key before hashing to form the AES key.
// It is a fixed protocol constant shared by all devices.
const keySalt = "qWKYcdQWrbm9hPqe"

// Crypt errors.
var (
	ErrDecryptFailure = errors.New("payload decrypt failed")
	ErrBadPadding     = errors.New("invalid block padding")
	ErrEmptyKey       = errors.New("local key is empty")
)

// Context holds the key material for one device. It is safe for
// concurrent use. The local channel seeds the connect nonce when it is
// created and completes the pair with the device's ack nonce once the
// hello exchange finishes.
type Context struct {
	key []byte

	mu           sync.RWMutex
	connectNonce uint32
	ackNonce     uint32
}

// NewContext derives the device cipher key from its local key.
func NewContext(localKey string) (*Context, error) {
	if localKey == "" {
		return nil, ErrEmptyKey
	}
	sum := md5.Sum([]byte(localKey + keySalt))
	return &Context{key: sum[:]}, nil
}

// SetNonces records the handshake nonce pair negotiated on the local
// channel. The nonces feed the per-message IV derivation used by the
// L01 generation. Before the hello completes the ack half is zero.
func (c *Context) SetNonces(connect, ack uint32) {
	c.mu.Lock()
	c.connectNonce = connect
	c.ackNonce = ack
	c.mu.Unlock()
}

// Encrypt encrypts a payload for the given protocol generation.
// seq is the frame's request id; it participates in IV derivation for
// generations with a per-message IV.
func (c *Context) Encrypt(plain []byte, version identity.ProtocolVersion, seq uint32) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())

	switch version {
	case identity.VersionV1, identity.VersionB01:
		return ecbEncrypt(block, padded), nil
	case identity.VersionL01:
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, c.messageIV(seq)).CryptBlocks(out, padded)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", identity.ErrUnknownVersion, version)
	}
}

// Decrypt reverses Encrypt. A key mismatch surfaces as ErrDecryptFailure,
// which is channel-fatal for the receiving channel.
func (c *Context) Decrypt(data []byte, version identity.ProtocolVersion, seq uint32) ([]byte, error) {
	return c.decrypt(data, version, c.messageIV(seq))
}

// DecryptHello decrypts a hello reply. The reply arrives before the ack
// nonce has been recorded, so its own plaintext nonce field supplies the
// ack half of the IV pair.
func (c *Context) DecryptHello(data []byte, version identity.ProtocolVersion, seq, ack uint32) ([]byte, error) {
	c.mu.RLock()
	connect := c.connectNonce
	c.mu.RUnlock()
	return c.decrypt(data, version, deriveIV(connect, ack, seq))
}

func (c *Context) decrypt(data []byte, version identity.ProtocolVersion, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptFailure, len(data))
	}

	var padded []byte
	switch version {
	case identity.VersionV1, identity.VersionB01:
		padded = ecbDecrypt(block, data)
	case identity.VersionL01:
		padded = make([]byte, len(data))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, data)
	default:
		return nil, fmt.Errorf("%w: %q", identity.ErrUnknownVersion, version)
	}

	plain, err := pkcs7Unpad(padded, block.BlockSize())
	if err != nil {
		// Garbage padding almost always means the wrong local key.
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	return plain, nil
}

// messageIV derives the CBC IV for one frame from the handshake nonces
// and the frame's request id.
func (c *Context) messageIV(seq uint32) []byte {
	c.mu.RLock()
	connect, ack := c.connectNonce, c.ackNonce
	c.mu.RUnlock()
	return deriveIV(connect, ack, seq)
}

func deriveIV(connect, ack, seq uint32) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], connect)
	binary.BigEndian.PutUint32(buf[4:8], ack)
	binary.BigEndian.PutUint32(buf[8:12], seq)
	sum := md5.Sum(buf[:])
	return sum[:]
}

func ecbEncrypt(block cipher.Block, padded []byte) []byte {
	bs := block.BlockSize()
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return out
}

func ecbDecrypt(block cipher.Block, data []byte) []byte {
	bs := block.BlockSize()
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

// Credential widths for the broker login strings.
const (
	usernameWidth = 16
	passwordWidth = 32
)

// Credentials is a derived broker login pair.
type Credentials struct {
	Username string
	Password string
}

// DeriveCredentials computes the MQTT username and password for an
// account. The derivation is a keyed hash over the account identifiers,
// truncated to fixed widths, so every client of the same account arrives
// at the same login without any exchange.
func DeriveCredentials(account *identity.Account) Credentials {
	return Credentials{
		Username: keyedDigest(account.MQTTKey, account.UserID+":u")[:usernameWidth],
		Password: keyedDigest(account.MQTTKey, account.UserID+":p")[:passwordWidth],
	}
}

func keyedDigest(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
