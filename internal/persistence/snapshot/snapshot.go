// Package snapshot writes and restores point-in-time backups of a kv store.
//
// A backup file is zstd(header JSON line + gob body). The header is readable with
// `zstdcat | head -1` without decoding the body.
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"prodfactory.io/internal/persistence/kv"
)

const FormatVersion = 1

type Header struct {
	Version       int    `json:"version"`
	CreatedAt     int64  `json:"created_at"` // unix ms
	Entries       int    `json:"entries"`
	CatalogDigest string `json:"catalog_digest,omitempty"`
}

type EntryV1 struct {
	Key   string
	Value []byte
	// ExpiresAt is unix ms, 0 for no expiry.
	ExpiresAt int64
}

type BackupV1 struct {
	Header  Header
	Entries []EntryV1
}

// Dump collects every live entry of store whose key has prefix.
func Dump(ctx context.Context, store kv.Store, prefix string, now time.Time, catalogDigest string) (BackupV1, error) {
	b := BackupV1{Header: Header{Version: FormatVersion, CreatedAt: now.UnixMilli(), CatalogDigest: catalogDigest}}
	err := store.Scan(ctx, prefix, func(e kv.Entry) error {
		var exp int64
		if !e.ExpiresAt.IsZero() {
			exp = e.ExpiresAt.UnixMilli()
		}
		b.Entries = append(b.Entries, EntryV1{Key: e.Key, Value: e.Value, ExpiresAt: exp})
		return nil
	})
	if err != nil {
		return BackupV1{}, err
	}
	b.Header.Entries = len(b.Entries)
	return b, nil
}

// Restore writes b's entries into store with their remaining TTL. Entries that expired
// since the backup was taken are skipped. It returns the number written.
func Restore(ctx context.Context, store kv.Store, b BackupV1, now time.Time) (int, error) {
	if b.Header.Version != FormatVersion {
		return 0, fmt.Errorf("snapshot: unsupported backup version %d", b.Header.Version)
	}
	n := 0
	for _, e := range b.Entries {
		var ttl time.Duration
		if e.ExpiresAt != 0 {
			ttl = time.UnixMilli(e.ExpiresAt).Sub(now)
			if ttl <= 0 {
				continue
			}
		}
		if err := store.Set(ctx, e.Key, e.Value, ttl); err != nil {
			return n, fmt.Errorf("restore %s: %w", e.Key, err)
		}
		n++
	}
	return n, nil
}

func WriteBackup(path string, b BackupV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(b.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&b); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadBackup(path string) (BackupV1, error) {
	var b BackupV1
	f, err := os.Open(path)
	if err != nil {
		return b, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return b, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return b, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&b); err != nil {
		return b, fmt.Errorf("gob decode: %w", err)
	}
	return b, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	return h, json.Unmarshal(line, &h)
}
