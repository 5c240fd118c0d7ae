package cache

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/go-playground/validator/v10"

	"github.com/saiset-co/sai-story-cache/types"
	"github.com/saiset-co/sai-story-cache/utils"
)

// Frame headers prefixed to every stored value.
const (
	frameJSON   byte = 'j'
	frameBrotli byte = 'b'
)

type Codec struct {
	validate  *validator.Validate
	compress  bool
	threshold int
	quality   int
}

func NewCodec(config *types.CompressionConfig) *Codec {
	c := &Codec{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		quality:  brotli.DefaultCompression,
	}

	if config != nil && config.Enabled {
		c.compress = true
		c.threshold = config.Threshold
		c.quality = config.Quality
	}

	return c
}

// Encode only serializes. Schema checks run in Decode so a snapshot built
// from incomplete source data is still stored.
func (c *Codec) Encode(payload *types.CachePayload) ([]byte, error) {
	if payload == nil {
		return nil, types.Errorf(types.ErrCacheSerialization, "nil payload")
	}

	data, err := utils.Marshal(payload)
	if err != nil {
		return nil, types.Errorf(types.ErrCacheSerialization, "%v", err)
	}

	if !c.compress || len(data) < c.threshold {
		return append([]byte{frameJSON}, data...), nil
	}

	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 1)
	buf.WriteByte(frameBrotli)

	w := brotli.NewWriterLevel(&buf, c.quality)
	if _, err = w.Write(data); err != nil {
		return nil, types.Errorf(types.ErrCacheSerialization, "%v", err)
	}
	if err = w.Close(); err != nil {
		return nil, types.Errorf(types.ErrCacheSerialization, "%v", err)
	}

	return buf.Bytes(), nil
}

// Decode rejects anything that is not a complete, valid payload of the
// current version.
func (c *Codec) Decode(data []byte) (*types.CachePayload, error) {
	if len(data) < 2 {
		return nil, types.Errorf(types.ErrCacheSerialization, "frame too short")
	}

	body := data[1:]
	switch data[0] {
	case frameJSON:
	case frameBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, types.Errorf(types.ErrCacheSerialization, "decompress: %v", err)
		}
		body = raw
	default:
		return nil, types.Errorf(types.ErrCacheSerialization, "unknown frame %q", data[0])
	}

	var payload types.CachePayload
	if err := utils.Unmarshal(body, &payload); err != nil {
		return nil, types.Errorf(types.ErrCacheSerialization, "%v", err)
	}

	if payload.Version != types.CachePayloadVersion {
		return nil, types.Errorf(types.ErrCacheSerialization, "version %d", payload.Version)
	}

	if err := c.validate.Struct(&payload); err != nil {
		return nil, types.Errorf(types.ErrCacheSerialization, "%v", err)
	}

	return &payload, nil
}
