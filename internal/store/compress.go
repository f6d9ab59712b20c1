package store

import "github.com/golang/snappy"

// encodeContent optionally snappy-compresses file content for storage.
// The compressed flag is stored alongside so mixed stores stay readable
// when the setting changes.
func encodeContent(content []byte, compress bool) (blob []byte, compressed bool) {
	if !compress || len(content) == 0 {
		return content, false
	}
	encoded := snappy.Encode(nil, content)
	if len(encoded) >= len(content) {
		return content, false
	}
	return encoded, true
}

// decodeContent reverses encodeContent.
func decodeContent(blob []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return blob, nil
	}
	return snappy.Decode(nil, blob)
}
