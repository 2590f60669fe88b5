package encode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// TextChunk is one PNG tEXt key/value pair.
type TextChunk struct {
	Keyword string
	Text    string
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// AddTextChunks splices tEXt chunks into an encoded PNG, directly after the
// IHDR chunk. The stdlib encoder never emits ancillary chunks, so the
// metadata has to be written at the byte level.
func AddTextChunks(data []byte, texts []TextChunk) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("not a PNG stream")
	}
	if len(data) < len(pngSignature)+8 {
		return nil, fmt.Errorf("truncated PNG stream")
	}
	// First chunk must be IHDR; insert after its CRC.
	ihdrLen := binary.BigEndian.Uint32(data[8:12])
	insert := len(pngSignature) + 8 + int(ihdrLen) + 4
	if insert > len(data) || string(data[12:16]) != "IHDR" {
		return nil, fmt.Errorf("malformed PNG stream")
	}

	var buf bytes.Buffer
	buf.Write(data[:insert])
	for _, t := range texts {
		if err := writeTextChunk(&buf, t); err != nil {
			return nil, err
		}
	}
	buf.Write(data[insert:])
	return buf.Bytes(), nil
}

func writeTextChunk(buf *bytes.Buffer, t TextChunk) error {
	if t.Keyword == "" || len(t.Keyword) > 79 {
		return fmt.Errorf("invalid tEXt keyword %q", t.Keyword)
	}
	payload := make([]byte, 0, len(t.Keyword)+1+len(t.Text))
	payload = append(payload, t.Keyword...)
	payload = append(payload, 0)
	payload = append(payload, t.Text...)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])

	crc := crc32.NewIEEE()
	buf.WriteString("tEXt")
	crc.Write([]byte("tEXt"))
	buf.Write(payload)
	crc.Write(payload)

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
	return nil
}

// TextChunks extracts all tEXt key/value pairs from an encoded PNG.
func TextChunks(data []byte) (map[string]string, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("not a PNG stream")
	}
	out := make(map[string]string)
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		end := pos + 8 + length
		if end+4 > len(data) {
			return nil, fmt.Errorf("truncated chunk %q", typ)
		}
		if typ == "tEXt" {
			payload := data[pos+8 : end]
			if i := bytes.IndexByte(payload, 0); i > 0 {
				out[string(payload[:i])] = string(payload[i+1:])
			}
		}
		if typ == "IEND" {
			break
		}
		pos = end + 4
	}
	return out, nil
}
