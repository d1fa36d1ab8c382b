package perception

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
)

// ErrNoFrame is returned when a payload carries no decodable camera frame.
var ErrNoFrame = errors.New("no frame in payload")

// poseKeyword is the PNG text-chunk keyword that carries the pose JSON.
const poseKeyword = "pose"

// Frame is one decoded telemetry sample: a camera image and the pose it was
// captured at.
type Frame struct {
	Pose  Pose
	Image image.Image
}

// Input converts the frame into a pipeline input.
func (f *Frame) Input() CycleInput {
	return CycleInput{Frame: f.Image, Pose: f.Pose}
}

// frameEnvelope is the JSON telemetry form. Image holds a base64 PNG or JPEG.
type frameEnvelope struct {
	Pose  *Pose  `json:"pose"`
	Image []byte `json:"image"`
}

// DecodeFrame decodes telemetry from either supported format:
// - PNG with a zTXt or tEXt "pose" chunk (recorded frames)
// - JSON envelope {"pose": {...}, "image": "<base64>"} (MQTT/HTTP telemetry)
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrNoFrame
	}

	if IsPNG(data) {
		poseJSON, err := extractPNGText(data, poseKeyword)
		if err != nil {
			return nil, fmt.Errorf("extracting pose chunk: %w", err)
		}
		var pose Pose
		if err := json.Unmarshal(poseJSON, &pose); err != nil {
			return nil, fmt.Errorf("parsing pose JSON: %w", err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding PNG: %w", err)
		}
		return &Frame{Pose: pose, Image: img}, nil
	}

	if data[0] == '{' {
		var env frameEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parsing frame envelope: %w", err)
		}
		if env.Pose == nil {
			return nil, fmt.Errorf("frame envelope has no pose")
		}
		if len(env.Image) == 0 {
			return nil, ErrNoFrame
		}
		img, _, err := image.Decode(bytes.NewReader(env.Image))
		if err != nil {
			return nil, fmt.Errorf("decoding envelope image: %w", err)
		}
		return &Frame{Pose: *env.Pose, Image: img}, nil
	}

	return nil, fmt.Errorf("unknown format: not PNG or JSON: %w", ErrNoFrame)
}

// EncodeFrame writes the frame as a PNG with the pose in a zTXt chunk, the
// format DecodeFrame and the replay tooling read back.
func EncodeFrame(w io.Writer, f *Frame) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, f.Image); err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	poseJSON, err := json.Marshal(f.Pose)
	if err != nil {
		return fmt.Errorf("marshaling pose: %w", err)
	}
	chunk, err := zTXtChunk(poseKeyword, poseJSON)
	if err != nil {
		return err
	}

	// Insert right after IHDR: 8-byte signature + 25-byte IHDR chunk.
	data := buf.Bytes()
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	if len(data) < ihdrEnd {
		return fmt.Errorf("encoded PNG too short")
	}
	for _, part := range [][]byte{data[:ihdrEnd], chunk, data[ihdrEnd:]} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
	return nil
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// PNG magic bytes: 0x89 'P' 'N' 'G' '\r' '\n' 0x1a '\n'
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// extractPNGText returns the text of the first zTXt or tEXt chunk whose
// keyword matches.
// PNG structure: 8-byte header, then chunks (length, type, data, CRC)
func extractPNGText(data []byte, keyword string) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short for PNG")
	}

	pos := 8
	for pos+12 <= len(data) {
		chunkLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		chunkType := string(data[pos : pos+4])
		pos += 4

		if pos+int(chunkLen)+4 > len(data) {
			return nil, fmt.Errorf("truncated PNG chunk")
		}
		chunkData := data[pos : pos+int(chunkLen)]

		switch chunkType {
		case "zTXt":
			key, text, err := splitZTXt(chunkData)
			if err != nil {
				return nil, fmt.Errorf("extracting zTXt data: %w", err)
			}
			if key == keyword {
				return text, nil
			}
		case "tEXt":
			if key, text, ok := bytes.Cut(chunkData, []byte{0}); ok && string(key) == keyword {
				return text, nil
			}
		}

		// Skip chunk data and CRC (4 bytes)
		pos += int(chunkLen) + 4

		if chunkType == "IEND" {
			break
		}
	}

	return nil, fmt.Errorf("no %q text chunk found in PNG", keyword)
}

// splitZTXt parses and decompresses zTXt chunk data
// Format: keyword\0compression_method compressed_text
func splitZTXt(data []byte) (string, []byte, error) {
	nullIdx := bytes.IndexByte(data, 0)
	if nullIdx == -1 {
		return "", nil, fmt.Errorf("no null terminator in zTXt chunk")
	}
	if nullIdx+1 >= len(data) {
		return "", nil, fmt.Errorf("truncated zTXt chunk")
	}

	compressionMethod := data[nullIdx+1]
	if compressionMethod != 0 {
		return "", nil, fmt.Errorf("unsupported compression method: %d", compressionMethod)
	}

	text, err := inflateZlib(data[nullIdx+2:])
	if err != nil {
		return "", nil, err
	}
	return string(data[:nullIdx]), text, nil
}

func zTXtChunk(keyword string, text []byte) ([]byte, error) {
	var body bytes.Buffer
	body.WriteString(keyword)
	body.Write([]byte{0, 0})
	zw := zlib.NewWriter(&body)
	if _, err := zw.Write(text); err != nil {
		return nil, fmt.Errorf("compressing zTXt: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing zTXt: %w", err)
	}

	chunk := make([]byte, 0, body.Len()+12)
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(body.Len()))
	chunk = append(chunk, "zTXt"...)
	chunk = append(chunk, body.Bytes()...)
	crc := crc32.ChecksumIEEE(chunk[4:])
	chunk = binary.BigEndian.AppendUint32(chunk, crc)
	return chunk, nil
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}
