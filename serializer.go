package dempsy

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Serializer is the pluggable codec contract (§6.3): deterministic and
// self-describing for whatever types the application registers with it.
// Production deployments typically supply their own (protobuf, msgpack,
// ...); GobSerializer is the reference implementation used in tests and by
// cmd/dempsy-node when none is configured.
type Serializer interface {
	Serialize(obj any) ([]byte, error)
	Deserialize(data []byte, target any) error
}

// GobSerializer implements Serializer with encoding/gob. Callers must
// Register any concrete types they intend to carry as RoutedMessage
// payloads if those types are passed as interface values.
type GobSerializer struct{}

// NewGobSerializer returns the default Serializer.
func NewGobSerializer() *GobSerializer { return &GobSerializer{} }

func (GobSerializer) Serialize(obj any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Deserialize(data []byte, target any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}
