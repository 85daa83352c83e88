package client

import (
	"encoding/binary"
	"net/http"
	"time"
)

const (
	previewHeaderSize = 8
	// MinPreviewSize is the smallest header-stripped payload that is
	// trusted to be an image on its own.
	MinPreviewSize = 1000
)

// Preview image formats from the frame header.
const (
	PreviewFormatJPEG uint32 = 1
	PreviewFormatPNG  uint32 = 2
)

// PreviewFrame is a decoded binary frame from the progress stream.
type PreviewFrame struct {
	EventType uint32
	Format    uint32
	Data      []byte
	MIME      string
	Received  time.Time
}

// DecodePreviewFrame strips the 8 byte header (event type, image format).
// When what remains is shorter than MinPreviewSize the whole payload is
// kept instead, header included, so nothing the server sent is lost.
func DecodePreviewFrame(payload []byte) PreviewFrame {
	frame := PreviewFrame{Received: time.Now()}

	data := payload
	if len(payload) >= previewHeaderSize {
		frame.EventType = binary.BigEndian.Uint32(payload[0:4])
		frame.Format = binary.BigEndian.Uint32(payload[4:8])
		if stripped := payload[previewHeaderSize:]; len(stripped) >= MinPreviewSize {
			data = stripped
		}
	}

	frame.Data = make([]byte, len(data))
	copy(frame.Data, data)

	frame.MIME = http.DetectContentType(frame.Data)
	if frame.MIME == "application/octet-stream" {
		switch frame.Format {
		case PreviewFormatJPEG:
			frame.MIME = "image/jpeg"
		case PreviewFormatPNG:
			frame.MIME = "image/png"
		}
	}
	return frame
}
