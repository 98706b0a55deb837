package chatvault

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

const payloadVersion = 1

type payloadEnvelope struct {
	Version  int       `json:"v"`
	Messages []Message `json:"messages"`
}

// encodePayload serializes messages for a backup record. The content hash is
// taken over the uncompressed form so it is stable across compression changes.
func encodePayload(messages []Message, compress bool) ([]byte, string, error) {
	if messages == nil {
		messages = []Message{}
	}
	raw, err := json.Marshal(payloadEnvelope{Version: payloadVersion, Messages: messages})
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	if !compress {
		return raw, hash, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, "", err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), hash, nil
}

func decodePayload(data []byte, compressed bool) ([]Message, error) {
	raw := data
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}
	var envelope payloadEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if envelope.Messages == nil {
		envelope.Messages = []Message{}
	}
	return envelope.Messages, nil
}
