package discovery

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// createEventDiscriminator prefixes the pump.fun CreateEvent in "Program data:" logs.
var createEventDiscriminator = []byte{27, 114, 169, 77, 222, 235, 99, 118}

const programDataPrefix = "Program data: "

// ErrShortEvent is returned when event data is truncated.
var ErrShortEvent = errors.New("event data too short")

// CreateEvent is the pump.fun token creation event.
type CreateEvent struct {
	Name         string
	Symbol       string
	URI          string
	Mint         string
	BondingCurve string
	User         string
}

// FindCreateEvent scans logs for a pump.fun CreateEvent.
func FindCreateEvent(logs []string) (*CreateEvent, bool) {
	for _, line := range logs {
		if !strings.HasPrefix(line, programDataPrefix) {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, programDataPrefix))
		if err != nil || !bytes.HasPrefix(data, createEventDiscriminator) {
			continue
		}
		ev, err := DecodeCreateEvent(data[len(createEventDiscriminator):])
		if err != nil {
			continue
		}
		return ev, true
	}
	return nil, false
}

// DecodeCreateEvent decodes a CreateEvent body (without discriminator).
// Layout: name, symbol, uri as u32-length strings, then mint, bonding curve
// and user as 32-byte keys. Trailing fields are ignored.
func DecodeCreateEvent(data []byte) (*CreateEvent, error) {
	r := eventReader{data: data}
	ev := &CreateEvent{
		Name:   r.string(),
		Symbol: r.string(),
		URI:    r.string(),
	}
	ev.Mint = r.pubkey()
	ev.BondingCurve = r.pubkey()
	ev.User = r.pubkey()
	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}

type eventReader struct {
	data []byte
	off  int
	err  error
}

func (r *eventReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrShortEvent
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *eventReader) string() string {
	lb := r.take(4)
	if lb == nil {
		return ""
	}
	return string(r.take(int(binary.LittleEndian.Uint32(lb))))
}

func (r *eventReader) pubkey() string {
	b := r.take(32)
	if b == nil {
		return ""
	}
	return base58.Encode(b)
}
