package dempsy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
)

// noiseOverhead is the encryption overhead added by sealData: 4 bytes
// length prefix + 16 bytes AES-GCM tag.
const noiseOverhead = 4 + 16

var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

var (
	// ErrHandshakeFailed is returned when the Noise handshake fails.
	ErrHandshakeFailed = errors.New("dempsy: secure handshake failed")
	// ErrHandshakeIncomplete is returned when a caller tries to use a
	// secureConn before the handshake has finished.
	ErrHandshakeIncomplete = errors.New("dempsy: secure handshake not complete")
)

// noiseState wraps a single Noise NN handshake plus the resulting cipher
// states. NN is appropriate here: nodes authenticate each other via the
// coordination directory, not via static Noise keys, so the transport layer
// only needs confidentiality/integrity on the wire, not peer identity.
type noiseState struct {
	hs          *noise.HandshakeState
	cs1         *noise.CipherState
	cs2         *noise.CipherState
	isComplete  bool
	isInitiator bool
}

func newNoiseInitiator() (*noiseState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &noiseState{hs: hs, isInitiator: true}, nil
}

func newNoiseResponder() (*noiseState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &noiseState{hs: hs, isInitiator: false}, nil
}

func (n *noiseState) writeMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := n.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if cs1 != nil && cs2 != nil {
		n.cs1, n.cs2 = cs1, cs2
		n.isComplete = true
	}
	return msg, nil
}

func (n *noiseState) readMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := n.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if cs1 != nil && cs2 != nil {
		n.cs1, n.cs2 = cs1, cs2
		n.isComplete = true
	}
	return payload, nil
}

func (n *noiseState) encrypt(dst, plaintext []byte) ([]byte, error) {
	if n.isInitiator {
		return n.cs1.Encrypt(dst, nil, plaintext)
	}
	return n.cs2.Encrypt(dst, nil, plaintext)
}

func (n *noiseState) decrypt(dst, ciphertext []byte) ([]byte, error) {
	if n.isInitiator {
		return n.cs2.Decrypt(dst, nil, ciphertext)
	}
	return n.cs1.Decrypt(dst, nil, ciphertext)
}

// sealData encrypts plaintext and prepends a 4-byte big-endian length.
func (n *noiseState) sealData(dst, plaintext []byte) ([]byte, error) {
	needed := 4 + len(plaintext) + 16
	if cap(dst) < needed {
		dst = make([]byte, 4, needed)
	} else {
		dst = dst[:4]
	}
	ciphertext, err := n.encrypt(dst[4:4], plaintext)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(dst[:4], uint32(len(ciphertext)))
	return dst[:4+len(ciphertext)], nil
}

// unsealData extracts and decrypts one Noise chunk from data, returning the
// decrypted plaintext, the remaining unconsumed bytes, and an error.
func (n *noiseState) unsealData(dst, data []byte) (plaintext, remaining []byte, err error) {
	if len(data) < 4 {
		return nil, data, io.ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+length {
		return nil, data, io.ErrShortBuffer
	}
	decrypted, err := n.decrypt(dst[:0], data[4:4+length])
	if err != nil {
		return nil, nil, err
	}
	return decrypted, data[4+length:], nil
}

// secureDial performs a Noise NN handshake as the initiator over conn,
// returning the cipher state to use for all subsequent traffic. Called by
// Sender.connect when Config.secureTransport is set.
func secureDial(conn net.Conn) (*noiseState, error) {
	n, err := newNoiseInitiator()
	if err != nil {
		return nil, err
	}
	msg1, err := n.writeMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeLenPrefixed(conn, msg1); err != nil {
		return nil, err
	}
	msg2, err := readLenPrefixed(conn)
	if err != nil {
		return nil, err
	}
	if _, err := n.readMessage(msg2); err != nil {
		return nil, err
	}
	if !n.isComplete {
		return nil, ErrHandshakeIncomplete
	}
	return n, nil
}

// secureAccept performs a Noise NN handshake as the responder over conn.
// Called by the receiver's per-connection setup when the secure transport
// option is enabled.
func secureAccept(conn net.Conn) (*noiseState, error) {
	n, err := newNoiseResponder()
	if err != nil {
		return nil, err
	}
	msg1, err := readLenPrefixed(conn)
	if err != nil {
		return nil, err
	}
	if _, err := n.readMessage(msg1); err != nil {
		return nil, err
	}
	msg2, err := n.writeMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeLenPrefixed(conn, msg2); err != nil {
		return nil, err
	}
	if !n.isComplete {
		return nil, ErrHandshakeIncomplete
	}
	return n, nil
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
