package storage

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// zlibHeaderSize prefixes every compressed blob:
// [compressed_size u32 LE, uncompressed_size u32 LE].
const zlibHeaderSize = 8

// Accessor is the content-addressed write/read surface over a BlobStore.
// Compression and digest policy are fixed per accessor.
type Accessor struct {
	store       BlobStore
	compression CompressionKind
	computeMD5  bool
}

// NewAccessor builds an accessor with the given compression policy.
func NewAccessor(store BlobStore, compression CompressionKind, computeMD5 bool) *Accessor {
	return &Accessor{store: store, compression: compression, computeMD5: computeMD5}
}

// Write stores data under a fresh uuid and returns its attachment record.
// The write is atomic: either the whole payload is durable or nothing is.
func (a *Accessor) Write(data []byte, contentType ContentType) (AttachmentInfo, error) {
	info := AttachmentInfo{
		UUID:             uuid.NewString(),
		ContentType:      contentType,
		UncompressedSize: int64(len(data)),
		Compression:      a.compression,
	}
	if a.computeMD5 {
		sum := md5.Sum(data)
		info.UncompressedMD5 = hex.EncodeToString(sum[:])
	}

	payload := data
	if a.compression == CompressionZlib {
		compressed, err := zlibCompress(data)
		if err != nil {
			return AttachmentInfo{}, fmt.Errorf("failed to compress blob: %w", err)
		}
		payload = compressed
		if a.computeMD5 {
			sum := md5.Sum(compressed)
			info.CompressedMD5 = hex.EncodeToString(sum[:])
		}
	}
	info.CompressedSize = int64(len(payload))

	if err := a.store.Put(info.UUID, payload); err != nil {
		return AttachmentInfo{}, err
	}

	log.Debug().
		Str("uuid", info.UUID).
		Str("content_type", string(contentType)).
		Int64("compressed_size", info.CompressedSize).
		Msg("Attachment written")
	return info, nil
}

// Read returns the payload of an attachment. With decompress set the
// uncompressed bytes come back regardless of the on-disk form; otherwise the
// stored payload is returned verbatim.
func (a *Accessor) Read(info AttachmentInfo, decompress bool) ([]byte, error) {
	payload, err := a.store.Get(info.UUID)
	if err != nil {
		return nil, err
	}
	if info.Compression != CompressionZlib || !decompress {
		return payload, nil
	}
	return zlibDecompress(payload)
}

// Remove deletes the blob behind an attachment.
func (a *Accessor) Remove(uuid string, contentType ContentType) error {
	if err := a.store.Delete(uuid); err != nil {
		return err
	}
	log.Debug().Str("uuid", uuid).Str("content_type", string(contentType)).Msg("Attachment removed")
	return nil
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, zlibHeaderSize))

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(data)))
	return out, nil
}

func zlibDecompress(payload []byte) ([]byte, error) {
	if len(payload) < zlibHeaderSize {
		return nil, errs.New(errs.CorruptedFile, "compressed blob shorter than its header")
	}
	uncompressedSize := binary.LittleEndian.Uint32(payload[4:8])

	r, err := zlib.NewReader(bytes.NewReader(payload[zlibHeaderSize:]))
	if err != nil {
		return nil, errs.Wrap(errs.CorruptedFile, "invalid zlib stream", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptedFile, "truncated zlib stream", err)
	}
	if uint32(len(data)) != uncompressedSize {
		return nil, errs.Newf(errs.CorruptedFile,
			"uncompressed size mismatch: header says %d, got %d", uncompressedSize, len(data))
	}
	return data, nil
}
