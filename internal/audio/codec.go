package audio

import "fmt"

// Codec identifies the wire encoding of telephony audio.
type Codec string

const (
	CodecSlin16   Codec = "slin16"
	CodecG711Ulaw Codec = "ulaw"
	CodecG711Alaw Codec = "alaw"
)

// decoder holds a codec's decode function and its fixed sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (slin16 passthrough).
type decoder struct {
	fn   func([]byte) []int16
	rate int
}

var decoders = map[Codec]decoder{
	CodecSlin16:   {fn: DecodePCM16, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// Decode converts encoded audio bytes to PCM16 samples.
// Returns the samples and their sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]int16, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}
