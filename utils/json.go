package utils

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) get() *bytes.Buffer {
	if buf := p.pool.Get(); buf != nil {
		return buf.(*bytes.Buffer)
	}
	return bytes.NewBuffer(make([]byte, 0, 4096))
}

func (p *bufferPool) put(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() < 256*1024 {
		p.pool.Put(buf)
	}
}

var buffers = &bufferPool{}

// Marshal encodes with map keys sorted so equal snapshots produce equal bytes.
func Marshal(data interface{}) ([]byte, error) {
	buf := buffers.get()
	defer buffers.put(buf)

	if err := jsonAPI.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}

	out := bytes.TrimRight(buf.Bytes(), "\n")
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func Unmarshal[T any](data []byte, target *T) error {
	return jsonAPI.Unmarshal(data, target)
}

func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := jsonAPI.Marshal(config)
	if err != nil {
		return err
	}

	return jsonAPI.Unmarshal(configBytes, target)
}
