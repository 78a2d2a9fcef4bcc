package herald

import (
	"strings"

	"github.com/NumminorihSF/rabbitmq-herald-client/crypto"
)

const (
	ContentTypeJson = "application/json"
	ContentTypeAes  = "application/x-herald-aes"
)

// Message body encoding applied on top of the JSON envelope.
type Codec interface {
	ContentType() string
	Encode(plain []byte) ([]byte, error)
	Decode(encoded []byte) ([]byte, error)
}

// Plain JSON.
type JsonCodec struct{}

func (JsonCodec) ContentType() string {
	return ContentTypeJson
}

func (JsonCodec) Encode(plain []byte) ([]byte, error) {
	return plain, nil
}

func (JsonCodec) Decode(encoded []byte) ([]byte, error) {
	return encoded, nil
}

// JSON encrypted with AES-GCM, every application sharing the queues must use the same key.
type AesCodec struct {
	key []byte
}

// Create AesCodec, see crypto.ParseAesKey for the key format.
func NewAesCodec(key string) *AesCodec {
	return &AesCodec{key: crypto.ParseAesKey(key)}
}

func (a *AesCodec) ContentType() string {
	return ContentTypeAes
}

func (a *AesCodec) Encode(plain []byte) ([]byte, error) {
	return crypto.AesGcmEncrypt(a.key, plain)
}

func (a *AesCodec) Decode(encoded []byte) ([]byte, error) {
	return crypto.AesGcmDecrypt(a.key, encoded)
}

// Find codec by name, json or aes.
func CodecByName(name string, key string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJson:
		return JsonCodec{}, nil
	case CodecAes:
		if key == "" {
			return nil, ErrWrongArgs.WithDetail("aes codec requires %v", PropCodecKey)
		}
		return NewAesCodec(key), nil
	}
	return nil, ErrWrongArgs.WithDetail("unknown codec '%v'", name)
}
