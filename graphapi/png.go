package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// GetPngMetadata returns the tEXt chunks of a PNG stream keyed by keyword.
// ComfyUI stores the API-format graph under "prompt" and the UI graph under "workflow".
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	header := make([]byte, 8)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	chunks := make(map[string]string)
	for {
		var length uint32
		err = binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		if _, err = io.ReadFull(r, chunkType); err != nil {
			return nil, err
		}

		switch string(chunkType) {
		case "IEND":
			return chunks, nil
		case "tEXt":
			data := make([]byte, length)
			if _, err = io.ReadFull(r, data); err != nil {
				return nil, err
			}
			sep := bytes.IndexByte(data, 0)
			if sep == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}
			chunks[string(data[:sep])] = string(data[sep+1:])
		default:
			if _, err = io.CopyN(io.Discard, r, int64(length)); err != nil {
				return nil, err
			}
		}

		// crc
		if _, err = io.CopyN(io.Discard, r, 4); err != nil {
			return nil, err
		}
	}

	return chunks, nil
}

// NewDocumentFromPNGReader loads the API-format graph embedded in a ComfyUI output image.
func NewDocumentFromPNGReader(r io.Reader) (*Document, error) {
	metadata, err := GetPngMetadata(r)
	if err != nil {
		return nil, err
	}

	prompt, ok := metadata["prompt"]
	if !ok {
		return nil, errors.New("png does not contain prompt metadata")
	}
	return NewDocumentFromJSONReader(strings.NewReader(prompt))
}

func NewDocumentFromPNGFile(path string) (*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return NewDocumentFromPNGReader(file)
}
